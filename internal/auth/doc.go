// Package auth provides session authentication for coven-chat.
//
// # JWT Tokens
//
// Users authenticate with HS256 JWT tokens signed with the configured
// auth.jwt_secret (at least MinSecretLength bytes). The "sub" claim carries
// the numeric user ID:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(userID, 24*time.Hour)
//	userID, err := verifier.Verify(token)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware reads the token from the Authorization header
// ("Bearer <token>") or, for websocket handshakes, the access_token query
// parameter. It resolves the user through a UserLookup and attaches an
// AuthContext to the request context.
//
// # Context Propagation
//
// The session user travels explicitly with each call:
//
//	ctx = auth.WithAuth(ctx, &auth.AuthContext{UserID: 7, Username: "alice"})
//	authCtx := auth.FromContext(ctx) // nil when unauthenticated
//
// Consumers treat a nil AuthContext as unauthorized.
package auth
