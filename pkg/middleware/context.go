package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
)

const (
	// HeaderUserID is the header key for the acting user
	HeaderUserID = "X-User-ID"
	// HeaderUserRole is the header key for the acting user's role
	HeaderUserRole = "X-User-Role"
	// ParamProjectID is the route parameter naming the project
	ParamProjectID = "project_id"
)

// Context copies request identity into the request context. It runs after
// routing so the project id path parameter is available.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = appctx.SetRequestID(ctx, requestID)
			ctx = appctx.SetMethod(ctx, req.Method)
			ctx = appctx.SetRoute(ctx, c.Path())
			ctx = appctx.SetRemoteIP(ctx, c.RealIP())
			if userID := req.Header.Get(HeaderUserID); userID != "" {
				ctx = appctx.SetUserID(ctx, userID)
			}
			if role := req.Header.Get(HeaderUserRole); role != "" {
				ctx = appctx.SetUserRole(ctx, role)
			}
			if projectID := c.Param(ParamProjectID); projectID != "" {
				ctx = appctx.SetProjectID(ctx, projectID)
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
