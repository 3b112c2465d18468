// Package interceptors provides middleware for the operation dispatcher.
//
// Every constructor returns a messaging.MiddlewareFunc, so interceptors
// compose through messaging.WithMiddleware in the order given:
//
//	metrics := interceptors.NewCounters()
//	dispatcher := messaging.NewDispatcher(cache,
//		messaging.WithMiddleware(
//			interceptors.Logging(logger),
//			interceptors.Metrics(metrics),
//			interceptors.Filtering(interceptors.NewMessageTypeFilter("echo", "sum")),
//		),
//	)
package interceptors
