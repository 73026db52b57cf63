package browser

import (
	"context"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// answerProxyAuth supplies proxy credentials for every auth challenge on page
// until ctx is done. Paused requests that are not auth challenges are resumed.
func answerProxyAuth(ctx context.Context, page *rod.Page, auth *proxyAuth) error {
	if auth == nil {
		return nil
	}
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(page); err != nil {
		return err
	}

	wait := page.Context(ctx).EachEvent(
		func(e *proto.FetchAuthRequired) {
			log.Debug().Msg("Proxy authentication required, providing credentials")
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: auth.Username,
					Password: auth.Password,
				},
			}.Call(page)
		},
		func(e *proto.FetchRequestPaused) {
			if e.ResponseStatusCode == nil {
				_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
			}
		},
	)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in proxy auth listener")
			}
		}()
		wait()
	}()
	return nil
}
