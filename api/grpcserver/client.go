package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/infra/keys"
)

// Client calls the API over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Submit(ctx context.Context, env *quantum.Envelope) (*SubmitReply, error) {
	out := new(SubmitReply)
	if err := c.conn.Invoke(ctx, methodSubmit, &SubmitRequest{Envelope: env}, out, grpc.ForceCodec(Codec{})); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAccount(ctx context.Context, pk keys.PublicKey) (*ledger.Account, error) {
	out := new(AccountReply)
	if err := c.conn.Invoke(ctx, methodGetAccount, &AccountRequest{PubKey: pk}, out, grpc.ForceCodec(Codec{})); err != nil {
		return nil, err
	}
	return out.Account, nil
}
