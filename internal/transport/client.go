package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-align/internal/logger"
	"github.com/23skdu/longbow-align/internal/metrics"
)

const DefaultPort = 3000

var ErrNotConnected = errors.New("transport: client not connected, call Connect() first")

// Client pushes alignment records to a Flight sink.
type Client struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: 30 * time.Second}
}

// Connect dials the sink. The connection is established lazily by gRPC.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	c.client = client
	return nil
}

func (c *Client) Close() error {
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// PutAlignments streams rec to the sink under the descriptor path and waits
// for the sink's acknowledgement.
func (c *Client) PutAlignments(ctx context.Context, path string, rec arrow.Record) error {
	if c.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("DoPut: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{path},
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}

	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("put rejected: %w", err)
		}
		logger.Log.Debug("flight put acknowledged", "path", path, "ack", string(res.GetAppMetadata()))
	}

	metrics.RecordFlight("out", int(rec.NumRows()))
	return nil
}
