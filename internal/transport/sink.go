package transport

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-align/internal/export"
	"github.com/23skdu/longbow-align/internal/logger"
	"github.com/23skdu/longbow-align/internal/metrics"
)

// Sink is a Flight server that collects alignment records. A put is
// rejected whole when any row has a length outside 1..len(weights) or a
// nonzero weight on a padding position.
type Sink struct {
	mu       sync.RWMutex
	received map[string][]export.Alignment
	metas    map[string]export.Meta

	srv flight.Server
}

func NewSink() *Sink {
	s := &Sink{
		received: make(map[string][]export.Alignment),
		metas:    make(map[string]export.Meta),
		srv:      flight.NewServerWithMiddleware(nil),
	}
	s.srv.RegisterFlightService(&sinkService{sink: s})
	return s
}

// Listen binds addr; use "localhost:0" for an ephemeral port.
func (s *Sink) Listen(addr string) error {
	return s.srv.Init(addr)
}

// Serve blocks until Shutdown.
func (s *Sink) Serve() error {
	logger.Log.Info("flight sink serving", "addr", s.Addr().String())
	return s.srv.Serve()
}

func (s *Sink) Addr() net.Addr {
	return s.srv.Addr()
}

func (s *Sink) Shutdown() {
	s.srv.Shutdown()
}

// Received returns the alignments stored under path.
func (s *Sink) Received(path string) ([]export.Alignment, export.Meta) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]export.Alignment(nil), s.received[path]...), s.metas[path]
}

func (s *Sink) store(path string, meta export.Meta, aligns []export.Alignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[path] = append(s.received[path], aligns...)
	s.metas[path] = meta
}

type sinkService struct {
	flight.BaseFlightServer
	sink *Sink
}

func (svc *sinkService) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "open record reader: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) == 0 {
		return status.Error(codes.InvalidArgument, "missing descriptor path")
	}
	path := strings.Join(desc.Path, "/")

	var (
		aligns []export.Alignment
		meta   export.Meta
	)
	for rdr.Next() {
		got, m, err := export.FromRecord(rdr.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "decode alignments: %v", err)
		}
		aligns = append(aligns, got...)
		meta = m
	}
	if err := rdr.Err(); err != nil {
		return status.Errorf(codes.Internal, "read stream: %v", err)
	}

	for _, a := range aligns {
		if err := a.Check(); err != nil {
			code := codes.FailedPrecondition
			reason := "mask"
			if errors.Is(err, export.ErrLength) {
				code = codes.InvalidArgument
				reason = "length"
			}
			metrics.RecordValidationError("flight_put", reason)
			logger.Log.Warn("rejecting alignment",
				"path", path, "batch", a.Batch, "length", a.Length, "err", err)
			return status.Error(code, err.Error())
		}
	}

	svc.sink.store(path, meta, aligns)
	metrics.RecordFlight("in", len(aligns))
	logger.Log.Info("alignments received", "path", path, "rows", len(aligns), "run_id", meta.RunID)

	return stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.Itoa(len(aligns)))})
}
