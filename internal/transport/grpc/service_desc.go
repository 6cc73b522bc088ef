package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "slotbook.v1.BookingService"

type BookingServiceServer interface {
	BookAppointment(context.Context, *BookAppointmentRequest) (*BookAppointmentResponse, error)
	CancelAppointment(context.Context, *CancelAppointmentRequest) (*CancelAppointmentResponse, error)
	ListAppointments(context.Context, *ListAppointmentsRequest) (*ListAppointmentsResponse, error)
	GetAvailability(context.Context, *GetAvailabilityRequest) (*GetAvailabilityResponse, error)
	GetProviderSchedule(context.Context, *GetProviderScheduleRequest) (*GetProviderScheduleResponse, error)
	ListNotifications(context.Context, *ListNotificationsRequest) (*ListNotificationsResponse, error)
	MarkNotificationRead(context.Context, *MarkNotificationReadRequest) (*MarkNotificationReadResponse, error)
}

func RegisterBookingServiceServer(s grpc.ServiceRegistrar, srv BookingServiceServer) {
	s.RegisterService(&BookingServiceDesc, srv)
}

var BookingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BookAppointment", Handler: unaryHandler("BookAppointment", BookingServiceServer.BookAppointment)},
		{MethodName: "CancelAppointment", Handler: unaryHandler("CancelAppointment", BookingServiceServer.CancelAppointment)},
		{MethodName: "ListAppointments", Handler: unaryHandler("ListAppointments", BookingServiceServer.ListAppointments)},
		{MethodName: "GetAvailability", Handler: unaryHandler("GetAvailability", BookingServiceServer.GetAvailability)},
		{MethodName: "GetProviderSchedule", Handler: unaryHandler("GetProviderSchedule", BookingServiceServer.GetProviderSchedule)},
		{MethodName: "ListNotifications", Handler: unaryHandler("ListNotifications", BookingServiceServer.ListNotifications)},
		{MethodName: "MarkNotificationRead", Handler: unaryHandler("MarkNotificationRead", BookingServiceServer.MarkNotificationRead)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "slotbook/v1/booking.proto",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unaryHandler[Req, Resp any](name string, call func(BookingServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BookingServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BookingServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// BookingServiceClient calls BookingService with the json codec.
type BookingServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBookingServiceClient(cc grpc.ClientConnInterface) *BookingServiceClient {
	return &BookingServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BookingServiceClient) BookAppointment(ctx context.Context, in *BookAppointmentRequest, opts ...grpc.CallOption) (*BookAppointmentResponse, error) {
	return invoke[BookAppointmentResponse](ctx, c.cc, "BookAppointment", in, opts)
}

func (c *BookingServiceClient) CancelAppointment(ctx context.Context, in *CancelAppointmentRequest, opts ...grpc.CallOption) (*CancelAppointmentResponse, error) {
	return invoke[CancelAppointmentResponse](ctx, c.cc, "CancelAppointment", in, opts)
}

func (c *BookingServiceClient) ListAppointments(ctx context.Context, in *ListAppointmentsRequest, opts ...grpc.CallOption) (*ListAppointmentsResponse, error) {
	return invoke[ListAppointmentsResponse](ctx, c.cc, "ListAppointments", in, opts)
}

func (c *BookingServiceClient) GetAvailability(ctx context.Context, in *GetAvailabilityRequest, opts ...grpc.CallOption) (*GetAvailabilityResponse, error) {
	return invoke[GetAvailabilityResponse](ctx, c.cc, "GetAvailability", in, opts)
}

func (c *BookingServiceClient) GetProviderSchedule(ctx context.Context, in *GetProviderScheduleRequest, opts ...grpc.CallOption) (*GetProviderScheduleResponse, error) {
	return invoke[GetProviderScheduleResponse](ctx, c.cc, "GetProviderSchedule", in, opts)
}

func (c *BookingServiceClient) ListNotifications(ctx context.Context, in *ListNotificationsRequest, opts ...grpc.CallOption) (*ListNotificationsResponse, error) {
	return invoke[ListNotificationsResponse](ctx, c.cc, "ListNotifications", in, opts)
}

func (c *BookingServiceClient) MarkNotificationRead(ctx context.Context, in *MarkNotificationReadRequest, opts ...grpc.CallOption) (*MarkNotificationReadResponse, error) {
	return invoke[MarkNotificationReadResponse](ctx, c.cc, "MarkNotificationRead", in, opts)
}
