package flows

import (
	"context"

	"github.com/MrEthical07/authgate/session"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.FirstFactor.CheckPassword != nil && s.deps.FirstFactor.SaveSession != nil
}

func (s Service) SubmitFirstFactor(ctx context.Context, sess *session.Session, username, password string) (*session.Session, error) {
	return RunFirstFactor(ctx, sess, username, password, s.deps.FirstFactor)
}

func (s Service) SubmitTOTP(ctx context.Context, sess *session.Session, code string) (*session.Session, error) {
	return RunSubmitTOTP(ctx, sess, code, s.deps.SecondFactor)
}

func (s Service) StartWebAuthnSignRequest(ctx context.Context, sess *session.Session) (*session.Session, []byte, error) {
	return RunStartWebAuthnSignRequest(ctx, sess, s.deps.SecondFactor)
}

func (s Service) SubmitWebAuthn(ctx context.Context, sess *session.Session, response []byte) (*session.Session, error) {
	return RunSubmitWebAuthn(ctx, sess, response, s.deps.SecondFactor)
}

func (s Service) StartIdentityValidation(ctx context.Context, strategy Strategy, req IdentityRequest) error {
	return RunStartIdentityValidation(ctx, strategy, req, s.deps.IdentityValidation)
}

func (s Service) FinishIdentityValidation(ctx context.Context, strategy Strategy, req IdentityRequest, linkToken string) error {
	return RunFinishIdentityValidation(ctx, strategy, req, linkToken, s.deps.IdentityValidation)
}

func (s Service) Logout(ctx context.Context, sess *session.Session) (*session.Session, error) {
	return RunLogout(ctx, sess, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, username string) (int, error) {
	return RunLogoutAll(ctx, username, s.deps.Logout)
}
