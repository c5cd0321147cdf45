package logkv

// Version is the semantic version of the logkv library.
// It can be overridden at build time using:
//
//	go build -ldflags "-X github.com/CVDpl/go-live-logkv/pkg/logkv.Version=0.2.0"
var Version = "0.1.0"
