// # Rate Limiting
//
// RateLimiter keeps one token bucket per client IP with LRU eviction so memory
// stays bounded under distributed traffic. Idle buckets are dropped every five
// minutes after thirty minutes without requests.
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{
//		RequestsPerSecond: 5,
//		Burst:             20,
//		Logger:            logger,
//	})
//	defer limiter.Stop()
//
//	if !limiter.Allow(ip) {
//		// 429
//	}
//
// # Credentials at rest
//
// Encryptor seals client-side credentials with AES-256-GCM. Keys come either
// from KeyFromBase64 or from a passphrase through DeriveKey (scrypt).
package security
