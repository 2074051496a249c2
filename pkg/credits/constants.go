package credits

const (
	operationBootstrap = "bootstrap"
	operationDeduct    = "deduct"
	operationAdd       = "add"
	operationRefund    = "refund"
	operationCapture   = "capture"
	operationPaid      = "paid_operation"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusOrphaned = "orphaned"
	operationStatusReplayed = "replayed"
	operationStatusRefunded = "refunded"

	idempotencyKeyDelimiter = ":"
)
