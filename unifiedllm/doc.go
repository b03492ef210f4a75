// Package unifiedllm is the provider-neutral completion layer beneath the
// model gateway.
//
// An Adapter serves one provider: GollmAdapter for hosted models via
// github.com/teilomillet/gollm, llmtest.ScriptedAdapter in tests. A Client
// routes each Request to an adapter, by explicit provider, by the model
// catalog, or to the fallback, through a chain of Middleware.
//
// Failures are *Error values carrying an ErrorClass; IsRetryable and Retry
// use the class to decide whether another attempt is worthwhile.
//
//	client := unifiedllm.NewClientFromEnv(
//	    unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)))
//	resp, err := unifiedllm.Retry(ctx, unifiedllm.DefaultRetryPolicy(),
//	    func(ctx context.Context) (*unifiedllm.Response, error) {
//	        return client.Complete(ctx, unifiedllm.Request{
//	            Model:    "sonnet",
//	            Messages: []unifiedllm.Message{unifiedllm.UserMessage("hello")},
//	        })
//	    })
package unifiedllm
