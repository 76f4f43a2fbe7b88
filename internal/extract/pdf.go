package extract

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// maxPDFPages 只读取文档前几页，收据/发票的金额几乎总在首页
const maxPDFPages = 5

// literalStringPattern PDF 内容流里 Tj/TJ 文本操作符携带的字面量字符串
var literalStringPattern = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*(?:Tj|TJ|'|")`)

// pdfEscapePattern 字面量字符串中的转义序列
var pdfEscapePattern = regexp.MustCompile(`\\([nrtbf()\\]|[0-7]{1,3})`)

// AttachmentText 从 PDF 附件字节中提取可供模式匹配的纯文本。
//
// 任何解析失败都返回空串：附件文本缺失只会让记录退化为
// 仅基于主题/正文的提取，不构成错误。
func AttachmentText(data []byte) string {
	rs := bytes.NewReader(data)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pageCount, err := api.PageCount(rs, conf)
	if err != nil || pageCount == 0 {
		return ""
	}
	if pageCount > maxPDFPages {
		pageCount = maxPDFPages
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	ctx, err := api.ReadValidateAndOptimize(rs, conf)
	if err != nil {
		return ""
	}

	var sb strings.Builder
	for page := 1; page <= pageCount; page++ {
		reader, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil || reader == nil {
			continue
		}
		content, err := io.ReadAll(reader)
		if err != nil {
			continue
		}
		sb.WriteString(decodeContentText(content))
		sb.WriteByte('\n')
	}

	return strings.TrimSpace(sb.String())
}

// decodeContentText 从内容流中收集文本操作符携带的字面量字符串。
// 只处理未压缩内容流里的直接字面量，够用于金额/关键词匹配。
func decodeContentText(content []byte) string {
	matches := literalStringPattern.FindAllSubmatch(content, -1)
	if len(matches) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, m := range matches {
		sb.WriteString(unescapePDFString(string(m[1])))
		sb.WriteByte(' ')
	}
	return sb.String()
}

// unescapePDFString 还原字面量字符串中的转义序列
func unescapePDFString(s string) string {
	return pdfEscapePattern.ReplaceAllStringFunc(s, func(esc string) string {
		switch esc[1] {
		case 'n':
			return "\n"
		case 'r':
			return "\r"
		case 't':
			return "\t"
		case 'b', 'f':
			return ""
		case '(', ')', '\\':
			return string(esc[1])
		default:
			// 八进制转义，匹配时保留为空格即可
			return " "
		}
	})
}
