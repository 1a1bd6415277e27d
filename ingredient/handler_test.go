package ingredient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"recipegen/common"

	"github.com/stretchr/testify/require"
)

func TestAddRequestValidation(t *testing.T) {
	h := NewHandler(nil)

	for name, body := range map[string]string{
		"missing name": `{"category": "produce"}`,
		"not json":     `{"name": `,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/ingredients", strings.NewReader(body))
			ctx := context.WithValue(req.Context(), common.UserIDCtxKey, 42)
			rr := httptest.NewRecorder()
			h.HandleAdd(rr, req.WithContext(ctx))
			require.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}
