package grpcsvc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	adminPackage = "funnel.admin.v1"
	adminService = "SessionAdmin"

	// AdminProtoPath — путь файла-дескриптора в реестре protobuf.
	AdminProtoPath = "funnel/admin/v1/admin.proto"
)

// AdminServiceName — полное имя admin-сервиса.
const AdminServiceName = adminPackage + "." + adminService

const (
	methodGetSession       = "GetSession"
	methodReconcileSession = "ReconcileSession"
	methodExpireSession    = "ExpireSession"
)

// SessionAdminServer — серверная сторона admin API. Запрос — ID сессии,
// ответ — документ сессии.
type SessionAdminServer interface {
	GetSession(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
	ReconcileSession(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
	ExpireSession(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
}

type adminCall func(SessionAdminServer, context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)

func unaryHandler(method string, call adminCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SessionAdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(SessionAdminServer), ctx, req.(*wrapperspb.StringValue))
		})
	}
}

func fullMethod(method string) string {
	return "/" + AdminServiceName + "/" + method
}

// SessionAdminServiceDesc описывает сервис без сгенерированного кода: сообщения
// берутся из well-known типов protobuf.
var SessionAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*SessionAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetSession, Handler: unaryHandler(methodGetSession, SessionAdminServer.GetSession)},
		{MethodName: methodReconcileSession, Handler: unaryHandler(methodReconcileSession, SessionAdminServer.ReconcileSession)},
		{MethodName: methodExpireSession, Handler: unaryHandler(methodExpireSession, SessionAdminServer.ExpireSession)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: AdminProtoPath,
}

// Дескриптор регистрируется в глобальном реестре, иначе reflection видит
// сервис в списке, но не может его описать.
func init() {
	fd, err := protodesc.NewFile(adminFileDescriptor(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Sprintf("build %s: %v", AdminProtoPath, err))
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic(fmt.Sprintf("register %s: %v", AdminProtoPath, err))
	}
}

func adminFileDescriptor() *descriptorpb.FileDescriptorProto {
	method := func(name string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(".google.protobuf.StringValue"),
			OutputType: proto.String(".google.protobuf.Struct"),
		}
	}
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(AdminProtoPath),
		Package: proto.String(adminPackage),
		Dependency: []string{
			"google/protobuf/wrappers.proto",
			"google/protobuf/struct.proto",
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String(adminService),
			Method: []*descriptorpb.MethodDescriptorProto{
				method(methodGetSession),
				method(methodReconcileSession),
				method(methodExpireSession),
			},
		}},
		Syntax: proto.String("proto3"),
	}
}

// RegisterSessionAdminServer регистрирует реализацию на gRPC-сервере.
func RegisterSessionAdminServer(s grpc.ServiceRegistrar, srv SessionAdminServer) {
	s.RegisterService(&SessionAdminServiceDesc, srv)
}

// AdminClient — клиент admin API для checkoutctl.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) GetSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodGetSession, id, opts...)
}

func (c *AdminClient) ReconcileSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodReconcileSession, id, opts...)
}

func (c *AdminClient) ExpireSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodExpireSession, id, opts...)
}

func (c *AdminClient) invoke(ctx context.Context, method, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
