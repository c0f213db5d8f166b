package api

import (
	"net/http"

	"github.com/goccy/go-json"
)

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	res := errorBody{}
	res.Error.Code = code
	res.Error.Message = msg
	writeJSON(w, code, res)
}
