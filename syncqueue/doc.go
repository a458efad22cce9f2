// Package syncqueue implements the synchronization queue: a background
// uploader that replicates locally written content to a content network with
// bounded concurrency.
//
// Uploads are never retried automatically. A failed item keeps its error
// until RetryFailed moves it back to pending. Upload progress is simulated:
// it advances in random steps up to 90% while the network call is in flight
// and jumps to 100% once the network confirms the content identifier.
//
// Item lists, status summaries and progress updates are published as
// go-events channels:
//
//	ch := q.SubscribeStatus(16)
//	defer q.Unsubscribe(ch)
//	for {
//	    select {
//	    case ev := <-ch.C:
//	        status := ev.(interfaces.QueueStatus)
//	        ...
//	    case <-ch.Done():
//	        return
//	    }
//	}
package syncqueue
