/*
Package handler provides HTTP handler functions for signing in.
*/
package handler

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"clickbit/internal/app/user"
	"clickbit/internal/pkg/auth/jwt"
	"clickbit/internal/pkg/errs"
	"clickbit/internal/pkg/logx"
	"clickbit/internal/pkg/req"
	"clickbit/internal/pkg/resp"
)

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginOutput struct {
	Token string       `json:"token"`
	User  user.Profile `json:"user"`
}

// HandleLogin verifies user credentials and issues the token the presence
// socket authenticates with.
func HandleLogin(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input LoginInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		email := strings.ToLower(strings.TrimSpace(input.Email))
		if email == "" || input.Password == "" {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		dbUser, err := deps.Users.FindByEmail(r.Context(), email)
		if err != nil {
			logx.Error(err, "login: user fetch failed", "email", email)
			resp.RespondError(w, r, errs.NewError(errs.ErrUserStoreUnavailable))
			return
		}
		if dbUser == nil {
			logx.Warn("login: unknown email", "email", email)
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidCredentials))
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(dbUser.PasswordHash), []byte(input.Password)); err != nil {
			logx.Warn("login: password mismatch", "user_id", dbUser.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidCredentials))
			return
		}

		if !dbUser.IsActive() {
			logx.Warn("login: account not active", "user_id", dbUser.ID, "status", dbUser.Status)
			resp.RespondError(w, r, errs.NewError(errs.ErrUserInactive))
			return
		}

		payload := &jwt.Payload{
			UserID: dbUser.ID,
			Email:  dbUser.Email,
			Role:   dbUser.Role,
		}

		token, err := jwt.GenerateToken(payload, deps.Config.JWTSecret, jwt.UserIdentityExpiration)
		if err != nil {
			logx.Error(err, "login: jwt generation failed", "user_id", dbUser.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnknown))
			return
		}

		logx.Info("login: token issued", "user_id", dbUser.ID)

		resp.RespondSuccess(w, r, LoginOutput{
			Token: token,
			User:  dbUser.Profile(),
		})
	}
}
