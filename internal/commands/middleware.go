package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "settlebot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			if err != nil {
				req.Log.Warn("request failed", logx.Duration("dur", time.Since(start)), logx.Err(err))
			} else {
				req.Log.Info("request ok", logx.Duration("dur", time.Since(start)))
			}
			return err
		}
	}
}

// UsageError is shown to the user verbatim.
type UsageError struct{ Msg string }

func (e *UsageError) Error() string { return e.Msg }

func Usage(format string, args ...any) error { return &UsageError{Msg: fmt.Sprintf(format, args...)} }

// MWReplyError reports handler errors back to the chat.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			var ue *UsageError
			text := "error: " + err.Error()
			if errors.As(err, &ue) {
				text = ue.Msg
			}
			_ = req.Reply(context.WithoutCancel(ctx), text)
			return err
		}
	}
}
