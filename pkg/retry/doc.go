// Package retry provides exponential backoff for operations that fail
// transiently, such as reaching the publish broker at startup.
//
// Do keeps calling the operation until it succeeds. It returns early when
// the error is marked with NonRetryable or classified fatal or invalid by
// the errors package, and when the context ends.
//
//	err := retry.Do(ctx, retry.Reconnect(2*time.Second, 30*time.Second),
//	    func(ctx context.Context) error {
//	        return client.Connect(ctx)
//	    })
//
// A zero MaxAttempts retries until the context is done.
package retry
