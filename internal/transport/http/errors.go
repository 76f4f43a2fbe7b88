package httptransport

// 通用错误消息
const (
	MsgInvalidRequest   = "invalid request parameters"
	MsgInvalidJSON      = "invalid JSON payload"
	MsgRequestBodyEmpty = "request body must not be empty"

	MsgAuthRequired = "authentication required"
	MsgTokenInvalid = "invalid access token"

	MsgCollectionGetFailed = "failed to load purchase collection"
	MsgCacheResetFailed    = "failed to reset cache"

	MsgInternalError = "internal server error, please retry later"
)
