package telegram

import (
	"context"
	"errors"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// flowAuth bridges an AuthInput to gotd's auth.UserAuthenticator.
type flowAuth struct {
	input AuthInput
}

func (f flowAuth) Phone(_ context.Context) (string, error) {
	return f.input.GetPhoneNumber()
}

func (f flowAuth) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return f.input.GetCode()
}

func (f flowAuth) Password(_ context.Context) (string, error) {
	return f.input.GetPassword()
}

func (f flowAuth) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

// SignUp is rejected: the engine forwards on behalf of an existing account.
func (f flowAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("account sign-up is not supported")
}
