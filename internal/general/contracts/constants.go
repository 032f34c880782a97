package contracts

// Exchanges
const (
	ExchangeDocTopic = "doc_topic"
)

// Routing patterns
const (
	// RouteDocPrefix + "{collection}.{doc_id}" on ExchangeDocTopic.
	RouteDocPrefix = "doc."
	// RouteDocAll matches every document change event.
	RouteDocAll = RouteDocPrefix + "#"
)
