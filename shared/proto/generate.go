// Package proto contains the protobuf-generated Go bindings for the
// distribution.v1 gRPC services (WorkerService, OrchestratorService).
//
// To regenerate from proto/distribution.proto, run go generate from the
// shared module root:
//
//	go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative distribution.proto
package proto
