package server

import (
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
)

func ginTestContext(w *httptest.ResponseRecorder, target string) (*gin.Context, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	c, engine := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	return c, engine
}
