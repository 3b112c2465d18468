// Package tie moves messages from worker goroutines into a single coordinating context.
//
// A Producer lives in a worker. It owns a FIFO queue and a readiness signal and
// never blocks its caller. A Consumer lives in the coordinating context. It ties
// producers, and on every Poll drains a bounded batch from each signalled producer,
// enforcing the connection state machine before handing messages to a Handler.
//
// Every tie starts Connecting. The producer's Start sends a handshake; the first
// Poll that sees it moves the tie to Connected. Any other message seen before the
// handshake is a protocol violation and panics with a *contracts.ProtocolError.
//
// Basic usage:
//
//	consumer := tie.NewConsumer(tie.HandlerFunc(func(msg *contracts.Message) {
//		// runs inside Poll, on the coordinating goroutine
//	}))
//
//	producer := tie.NewProducer("worker-1")
//	if err := consumer.Tie(producer); err != nil {
//		return err
//	}
//
//	go func() {
//		producer.Start()
//		producer.Send(contracts.NewMessage("Echo", payload))
//	}()
//
//	loop := tie.NewLoop(consumer, tie.WithInterval(time.Second))
//	return loop.Run(ctx)
package tie
