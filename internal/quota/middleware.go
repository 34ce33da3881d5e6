package quota

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/openberl/dispatch/internal/auth"
	"github.com/openberl/dispatch/internal/httputil"
)

const (
	defaultRPM = 60

	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerRetryAfter                 = "Retry-After"
)

// Middleware returns chi middleware that enforces per-key rate limits and
// daily spend caps.
func Middleware(limiter *Limiter, spend *SpendTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			authInfo, ok := auth.AuthFromContext(r.Context())
			if !ok {
				// No auth info — let request pass (auth middleware will catch it)
				next.ServeHTTP(w, r)
				return
			}

			// Determine RPM limit
			rpm := defaultRPM
			if authInfo.RPMLimit != nil {
				rpm = *authInfo.RPMLimit
			}

			// Check RPM
			rpmKey := fmt.Sprintf("rpm:%s", authInfo.KeyID)
			result, _ := limiter.Check(r.Context(), rpmKey, int64(rpm), time.Minute)

			// Always set rate limit headers
			w.Header().Set(headerRateLimitRequests, strconv.Itoa(rpm))
			w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.Format(time.RFC3339))

			if !result.Allowed {
				slog.Warn("rate limit exceeded",
					"request_id", reqID,
					"key_id", authInfo.KeyID,
					"owner_id", authInfo.OwnerID,
					"limit", rpm,
				)
				w.Header().Set(headerRetryAfter, strconv.Itoa(int(result.RetryAfter.Seconds())))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per minute. Retry after %s", rpm, result.ResetAt.Format(time.RFC3339)))
				return
			}

			// Check daily spend cap
			if authInfo.DailySpendLimitCents != nil {
				spendResult, _ := spend.CheckDailySpend(r.Context(), authInfo.OwnerID, int64(*authInfo.DailySpendLimitCents))
				if !spendResult.Allowed {
					slog.Warn("daily spend limit exceeded",
						"request_id", reqID,
						"key_id", authInfo.KeyID,
						"owner_id", authInfo.OwnerID,
						"spent_cents", spendResult.SpentCents,
						"limit_cents", spendResult.LimitCents,
					)
					httputil.WriteBudgetExceededError(w, reqID,
						fmt.Sprintf("Daily spend limit reached: %d of %d cents used", spendResult.SpentCents, spendResult.LimitCents))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
