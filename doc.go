// Package conduit provides a composable background task dispatcher with
// retry and circuit-breaker protection for slow, unreliable downstream
// dependencies.
//
// Conduit is designed as a library, not a service. Construct one Service
// per process, hand it to your HTTP handlers, and submit work:
//
//	svc, err := service.New(
//	    service.WithInvoker(trigger.NewClient(triggerURL)),
//	    service.WithRecordStore(mongoRecords),
//	)
//	taskID, err := svc.Submit(ctx, task.Request{Name: "transcribe", Payload: body})
//
// Submit never blocks on the downstream dependency and never fails because
// the dependency is unhealthy; callers poll Status with the returned id.
// Each task runs its attempts on an independent goroutine, consulting a
// process-wide circuit breaker before every downstream call and a retry
// policy after every failure.
//
// # Architecture
//
// Conduit follows a composable collaborator pattern: the downstream trigger
// is a trigger.Invoker, the durable job record is a jobrecord.Store, and
// both are injected into the Service. Lifecycle hooks and middleware observe
// every attempt without touching the dispatch path.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package conduit
