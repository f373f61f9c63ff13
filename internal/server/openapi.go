package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
)

//go:embed openapi.yaml
var openapiDocument []byte

// LoadDocument は埋め込まれたAPI定義を読み込んで検証する
func LoadDocument() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiDocument)
	if err != nil {
		return nil, fmt.Errorf("API定義の読み込みに失敗: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("API定義が不正です: %w", err)
	}
	return doc, nil
}

// requestValidator はAPI定義に従ってリクエストを検証するミドルウェアを返す
// 定義にないパスはそのまま次のハンドラへ渡す
func requestValidator(doc *openapi3.T) (gin.HandlerFunc, error) {
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("API定義のルーター作成に失敗: %w", err)
	}

	options := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		MultiError:         false,
	}

	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			var routeErr *routers.RouteError
			if errors.As(err, &routeErr) && routeErr.Reason == routers.ErrMethodNotAllowed.Error() {
				abortWithError(c, http.StatusMethodNotAllowed, "method_not_allowed", "許可されていないメソッドです", nil)
				return
			}
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    options,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			details := err.Error()
			abortWithError(c, http.StatusBadRequest, "invalid_request", "リクエストがAPI定義に一致しません", &details)
			return
		}
		c.Next()
	}, nil
}

// abortWithError はエラー応答を返して処理を中断する
func abortWithError(c *gin.Context, status int, code, message string, details *string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	})
}
