package middleware

import (
	"context"

	"github.com/playchat/internal/identity"
)

// GetUserID возвращает id пользователя из контекста (устанавливается Identity).
func GetUserID(ctx context.Context) string {
	u, _ := identity.CurrentUser(ctx)
	return u.ID
}
