package location

import (
	"context"

	"google.golang.org/grpc"
)

// DriverLocation is one position report from a driver app. Online=false
// takes the cab out of matching.
type DriverLocation struct {
	CabId  string  `json:"cab_id"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Online bool    `json:"online"`
	Ts     int64   `json:"ts,omitempty"`
}

// Ack is returned when the client closes the stream.
type Ack struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

var locationServiceDesc = grpc.ServiceDesc{
	ServiceName: "location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Location_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&locationServiceDesc, srv)
}

// Location_StreamLocationServer is the server side of the client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DriverLocation, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *locationStreamServer) Recv() (*DriverLocation, error) {
	msg := new(DriverLocation)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// LocationClient is the driver-app side of the service.
type LocationClient interface {
	StreamLocation(ctx context.Context, opts ...grpc.CallOption) (Location_StreamLocationClient, error)
}

// Location_StreamLocationClient is the client side of the stream.
type Location_StreamLocationClient interface {
	grpc.ClientStream
	Send(*DriverLocation) error
	CloseAndRecv() (*Ack, error)
}

type locationClient struct {
	cc grpc.ClientConnInterface
}

// NewLocationClient wraps a connection. Calls use the JSON codec.
func NewLocationClient(cc grpc.ClientConnInterface) LocationClient {
	return &locationClient{cc: cc}
}

func (c *locationClient) StreamLocation(ctx context.Context, opts ...grpc.CallOption) (Location_StreamLocationClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &locationServiceDesc.Streams[0], "/location.Location/StreamLocation", opts...)
	if err != nil {
		return nil, err
	}
	return &locationStreamClient{ClientStream: stream}, nil
}

type locationStreamClient struct {
	grpc.ClientStream
}

func (x *locationStreamClient) Send(m *DriverLocation) error { return x.ClientStream.SendMsg(m) }

func (x *locationStreamClient) CloseAndRecv() (*Ack, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := x.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
