package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/channel"
	"github.com/outofforest/peerlink/codec"
	"github.com/outofforest/peerlink/settlement"
)

// PeerRequest is the body of peer registration.
type PeerRequest struct {
	ID             string             `json:"id"`
	RoutingAddress string             `json:"routingAddress"`
	Endpoint       string             `json:"endpoint,omitempty"`
	Settlement     *SettlementRequest `json:"settlement,omitempty"`
}

// SettlementRequest carries settlement fields of the peer.
type SettlementRequest struct {
	Chain        string `json:"chain"`
	Token        string `json:"token,omitempty"`
	TokenNetwork string `json:"tokenNetwork,omitempty"`
	PeerAddress  string `json:"peerAddress"`
	ChannelID    string `json:"channelId,omitempty"`
}

// PacketRequest is the body of packet send.
type PacketRequest struct {
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount,string"`
	Data        []byte `json:"data"`
}

// PacketResponse is the result of packet send.
type PacketResponse struct {
	Fulfilled bool   `json:"fulfilled"`
	Data      []byte `json:"data,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ChannelRequest is the body of channel open.
type ChannelRequest struct {
	PeerID            string `json:"peerId"`
	Chain             string `json:"chain"`
	Token             string `json:"token,omitempty"`
	TokenNetwork      string `json:"tokenNetwork,omitempty"`
	PeerAddress       string `json:"peerAddress"`
	InitialDeposit    uint64 `json:"initialDeposit,string"`
	SettlementTimeout uint64 `json:"settlementTimeout"`
	Nonce             uint64 `json:"nonce"`
}

// ChannelResponse describes channel.
type ChannelResponse struct {
	ChannelID string `json:"channelId"`
	Status    string `json:"status,omitempty"`
	Chain     string `json:"chain,omitempty"`
}

// NonceResponse carries pending nonce.
type NonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

// ErrorResponse is returned by the admin API on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error codes returned by the admin API.
const (
	ErrorCodeConflict      = "conflict"
	ErrorCodeNotFound      = "not_found"
	ErrorCodeNonceConflict = "nonce_conflict"
)

var (
	_ Router              = &HTTPAdmin{}
	_ channel.Admin       = &HTTPAdmin{}
	_ channel.NonceSource = &HTTPAdmin{}
)

// HTTPAdmin is the client of the router operator API.
type HTTPAdmin struct {
	client *resty.Client
}

// NewHTTPAdmin creates admin client.
func NewHTTPAdmin(baseURL string, timeout time.Duration) *HTTPAdmin {
	return &HTTPAdmin{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// RegisterPeer registers peer.
func (a *HTTPAdmin) RegisterPeer(ctx context.Context, id codec.PublicKey, config RoutingConfig) error {
	var errResp ErrorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(peerRequest(id, config)).
		SetError(&errResp).
		Post("/peers")
	if err != nil {
		return errors.WithStack(err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return errors.Wrapf(ErrConflict, "peer %s", id)
	}
	return checkResponse(resp, &errResp)
}

// UpdatePeer updates peer.
func (a *HTTPAdmin) UpdatePeer(ctx context.Context, id codec.PublicKey, config RoutingConfig) error {
	var errResp ErrorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("id", id.String()).
		SetBody(peerRequest(id, config)).
		SetError(&errResp).
		Put("/peers/{id}")
	if err != nil {
		return errors.WithStack(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "peer %s", id)
	}
	return checkResponse(resp, &errResp)
}

// SendPacket sends packet.
func (a *HTTPAdmin) SendPacket(ctx context.Context, destination string, amount uint64, data []byte) ([]byte, error) {
	var result PacketResponse
	var errResp ErrorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(PacketRequest{
			Destination: destination,
			Amount:      amount,
			Data:        data,
		}).
		SetResult(&result).
		SetError(&errResp).
		Post("/packets")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := checkResponse(resp, &errResp); err != nil {
		return nil, err
	}
	if !result.Fulfilled {
		return nil, &RejectError{
			Code:    result.Code,
			Message: result.Message,
			Data:    result.Data,
		}
	}
	return result.Data, nil
}

// OpenChannel opens channel.
func (a *HTTPAdmin) OpenChannel(ctx context.Context, req channel.AdminOpenRequest) (channel.ID, error) {
	var result ChannelResponse
	var errResp ErrorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(ChannelRequest{
			PeerID:            req.PeerID.String(),
			Chain:             string(req.Chain),
			Token:             string(req.Token),
			TokenNetwork:      string(req.TokenNetwork),
			PeerAddress:       string(req.PeerAddress),
			InitialDeposit:    req.InitialDeposit,
			SettlementTimeout: uint64(req.SettlementTimeout.Seconds()),
			Nonce:             req.Nonce,
		}).
		SetResult(&result).
		SetError(&errResp).
		Post("/channels")
	if err != nil {
		return "", errors.WithStack(err)
	}
	if resp.StatusCode() == http.StatusConflict && errResp.Error == ErrorCodeNonceConflict {
		return "", errors.Wrapf(channel.ErrNonceConflict, "nonce %d", req.Nonce)
	}
	if err := checkResponse(resp, &errResp); err != nil {
		return "", err
	}
	return channel.ID(result.ChannelID), nil
}

// ChannelState returns channel state.
func (a *HTTPAdmin) ChannelState(ctx context.Context, id channel.ID) (channel.State, error) {
	var result ChannelResponse
	var errResp ErrorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("id", string(id)).
		SetResult(&result).
		SetError(&errResp).
		Get("/channels/{id}")
	if err != nil {
		return channel.State{}, errors.WithStack(err)
	}
	if err := checkResponse(resp, &errResp); err != nil {
		return channel.State{}, err
	}
	return channel.State{
		ChannelID: id,
		Status:    channel.Status(result.Status),
		Chain:     settlement.ChainID(result.Chain),
	}, nil
}

// PendingNonce returns pending nonce on the chain.
func (a *HTTPAdmin) PendingNonce(ctx context.Context, chain settlement.ChainID) (uint64, error) {
	var result NonceResponse
	var errResp ErrorResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("chain", string(chain)).
		SetResult(&result).
		SetError(&errResp).
		Get("/chains/{chain}/nonce")
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if err := checkResponse(resp, &errResp); err != nil {
		return 0, err
	}
	return result.Nonce, nil
}

func peerRequest(id codec.PublicKey, config RoutingConfig) PeerRequest {
	req := PeerRequest{
		ID:             id.String(),
		RoutingAddress: config.RoutingAddress,
		Endpoint:       config.Endpoint,
	}
	if s := config.Settlement; s != nil {
		req.Settlement = &SettlementRequest{
			Chain:        string(s.Chain),
			Token:        string(s.Token),
			TokenNetwork: string(s.TokenNetwork),
			PeerAddress:  string(s.PeerAddress),
			ChannelID:    s.ChannelID,
		}
	}
	return req
}

func checkResponse(resp *resty.Response, errResp *ErrorResponse) error {
	if !resp.IsError() {
		return nil
	}
	if errResp.Error != "" {
		return errors.Errorf("router admin returned %s: %s", resp.Status(), errResp.Error)
	}
	return errors.Errorf("router admin returned %s", resp.Status())
}
