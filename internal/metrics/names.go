package metrics

// Metric names recorded by the session, receipt tracker and transport.
const (
	MutationsTotal        = "chat_mutations_total"
	MutationFailures      = "chat_mutation_failures_total"
	MutationDuration      = "chat_mutation_duration"
	EventsReceived        = "chat_events_received_total"
	EventsDiscarded       = "chat_events_discarded_total"
	ReceiptCommits        = "chat_receipt_commits_total"
	ReceiptCommitFailures = "chat_receipt_commit_failures_total"
	ReceiptBatchSize      = "chat_receipt_batch_size"
	PushReconnects        = "chat_push_reconnects_total"
	APIRequestDuration    = "chat_api_request_duration"
	OnlineUsers           = "chat_online_users"
	Conversations         = "chat_conversations"
	StatusRequestDuration = "chat_status_request_duration"
)
