// Package middleware provides HTTP middleware for admin authentication and rate limiting.
//
// # Overview
//
// This package implements request processing middleware for the admin API
// and the sign-in endpoints: static admin token authentication and rate
// limiting with in-memory or Redis-backed counters.
//
// # Middleware Components
//
// AdminAuth: static bearer token authentication for the admin API
//
//	adminAuth := middleware.NewAdminAuth(tokens)
//	router.Use(adminAuth.Handler)
//	// Validates the idps_ token, binds the account to the request context
//
// RateLimitMiddleware: rate limiting over a pluggable backend
//
//	limiter := middleware.NewMemoryLimiter(middleware.DefaultRateLimitConfig())
//	router.Use(middleware.NewRateLimitMiddleware(limiter).Handler)
//
//	shared := middleware.NewRedisLimiter(redisClient, middleware.SignInRateLimitConfig(), "ratelimit:signin")
//	authRouter.Use(middleware.NewRateLimitMiddleware(shared).Handler)
//
// # Rate Limiting
//
// Admin API: 100 req/min, 10 burst, keyed per account
// Sign-in endpoints: 30 req/min, 5 burst, keyed per client IP
//
// # Related Packages
//
//   - pkg/auth: token generation and format validation
//   - pkg/audit: actor attribution for authenticated requests
package middleware
