package server

import (
	"errors"
	"net/http"

	"vodforge/internal/api"
)

// writeMiddlewareError normalises middleware rejections to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
