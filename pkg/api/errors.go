package api

import "github.com/iudanet/ctxsync/internal/models"

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Conflict *models.ConflictInfo `json:"conflict,omitempty"` // конфликт, заблокировавший запись
	Error    string               `json:"error"`              // описание ошибки
	Message  string               `json:"message,omitempty"`  // дополнительное сообщение
}
