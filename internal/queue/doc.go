// Package queue is actionq's in-memory task scheduler.
//
// A Queue runs at most Config.Concurrency actions at once. Pending tasks are
// admitted in the order they became pending: a task that is retried goes to
// the back of the line. Each attempt races the action against its timeout;
// failures are retried up to the task's MaxRetries, after which the task is
// failed and the action's ErrorHandler (if any) is called.
//
// Cancellation and timeouts are advisory. The attempt context is cancelled,
// but the queue never waits for the action to return; a late outcome is
// dropped.
//
// Listeners registered with Subscribe and SubscribeQueue are called
// synchronously, outside the queue lock, in transition order, and every
// mutating call returns only after its own transitions have been delivered.
// When another goroutine is delivering, the caller waits for it. A mutating
// call made from inside a listener is applied immediately but its
// notifications are delivered after the current listener returns.
package queue
