// Package asyncsock turns non-blocking, readiness-notified sockets into
// queue-based asynchronous channels with partial-transfer resumption.
//
// # Architecture
//
// A [Loop] owns a readiness [Poller] (epoll on Linux, kqueue on macOS, or
// the portable poll(2) backend) and runs every task and readiness callback
// on a single goroutine. A [Channel] wraps one [Socket] and is bound to one
// Loop. It keeps two transfer queues, one per direction, and two readiness
// notifiers sharing the socket's descriptor. Each notifier is active only
// while its queue has work.
//
// Reads are threshold based: [Channel.Read] completes once at least min and
// at most max bytes have accumulated. Writes are fire-and-forget: a stream
// write is retried with its unsent suffix until fully transmitted, a
// datagram write is attempted exactly once.
//
// [SecureChannel] layers a TLS [Engine] over the same machinery. The engine
// performs its raw I/O through a transport that issues non-blocking sends
// and receives on the socket, and the would-block results of those calls
// decide which readiness notifiers are armed. Plaintext reads and writes
// are held until the handshake completes.
//
// # Execution Model
//
// Every channel operation is safe to call from any goroutine. Calls made
// on the loop goroutine run inline, other calls are submitted to the loop.
// Completions never run on the loop: they are handed to an [Executor],
// [MainExecutor] by default, so a completion may freely issue new reads,
// writes or close the channel.
//
// Close is the only way to abort pending operations. It is terminal,
// [Channel.IsOpen] reports false as soon as it returns, and queued
// completions are dropped without being invoked.
//
// # Platform Support
//
//   - Linux: epoll, eventfd wake-up
//   - macOS: kqueue, self-pipe wake-up
//   - both: poll(2), see [WithPollBackend]
package asyncsock
