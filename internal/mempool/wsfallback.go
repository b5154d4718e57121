package mempool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

// rawWSSubscription adapts a raw gorilla/websocket connection driving a
// hand-rolled eth_subscribe call to the chain.Subscription contract, for
// nodes/transports where go-ethereum's own rpc.Client can't subscribe (the
// engine's chain.Client was dialed over HTTP, but the node also exposes a
// plain websocket endpoint).
type rawWSSubscription struct {
	conn   *websocket.Conn
	errCh  chan error
	cancel context.CancelFunc
}

func (s *rawWSSubscription) Err() <-chan error { return s.errCh }

func (s *rawWSSubscription) Unsubscribe() {
	s.cancel()
	_ = s.conn.Close()
}

type jsonrpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonrpcSubscribeResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type jsonrpcNotification struct {
	Params struct {
		Result common.Hash `json:"result"`
	} `json:"params"`
}

// dialRawPendingFilter dials cfg.RawWSURL directly and issues
// eth_subscribe("newPendingTransactions"), forwarding every delivered hash to
// out until the subscription's context is cancelled.
func (s *Scanner) dialRawPendingFilter(ctx context.Context, out chan<- common.Hash) (*rawWSSubscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.RawWSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("mempool: raw websocket dial: %w", err)
	}

	req := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params:  []interface{}{"newPendingTransactions"},
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mempool: raw websocket subscribe request: %w", err)
	}

	var resp jsonrpcSubscribeResponse
	if err := conn.ReadJSON(&resp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mempool: raw websocket subscribe response: %w", err)
	}
	if resp.Error != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mempool: raw websocket subscribe rejected: %s", resp.Error.Message)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &rawWSSubscription{conn: conn, errCh: make(chan error, 1), cancel: cancel}

	go func() {
		defer close(sub.errCh)
		for {
			if subCtx.Err() != nil {
				return
			}
			var raw json.RawMessage
			if err := conn.ReadJSON(&raw); err != nil {
				select {
				case sub.errCh <- err:
				default:
				}
				return
			}
			var note jsonrpcNotification
			if err := json.Unmarshal(raw, &note); err != nil {
				continue
			}
			select {
			case out <- note.Params.Result:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return sub, nil
}
