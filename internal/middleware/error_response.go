package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/moviemate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスのJSON表現。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
	Field    string `json:"field,omitempty"`
}

func errorBody(e *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{Code: e.Code, Message: e.Message, Category: e.Category, Action: e.Action, Field: e.Field}
}

// WriteErrorResponse はapiErrをJSONで書き込む。middlewareとhandlerの双方がこの形式を使う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorBody(apiErr))
}

// WriteInternalServerError は500を返す。原因はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
