package location

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

// Server implements the LocationServer interface.
type Server struct {
	ingestor *Ingestor
	logger   *zap.Logger
}

// NewServer constructs a server.
func NewServer(ingestor *Ingestor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ingestor: ingestor, logger: logger}
}

// StreamLocation feeds driver reports into the index until the client closes
// the stream. Malformed reports are skipped; index failures end the stream.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if err := s.ingestor.Apply(stream.Context(), msg); err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) {
				ack.Rejected++
				s.logger.Debug("dropping driver location", zap.String("cab_id", msg.CabId), zap.Error(err))
				continue
			}
			s.logger.Error("apply driver location", zap.String("cab_id", msg.CabId), zap.Error(err))
			return err
		}
		ack.Accepted++
	}
}
