package ixxatcan

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

type Adapter interface {
	Name() string
	Open(context.Context) error
	Close() error
	Send() chan<- *CANFrame
	Recv() <-chan *CANFrame
	Err() <-chan error
	Event() <-chan Event
}

type AdapterInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	Capabilities       AdapterCapabilities
	New                func(*AdapterConfig) (Adapter, error)
}

func (a *AdapterInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v ", a.Name, a.Description, a.RequiresSerialPort)
}

type AdapterCapabilities struct {
	HSCAN bool
	FD    bool
}

func (a *AdapterCapabilities) String() string {
	return fmt.Sprintf("HSCAN: %v, FD: %v", a.HSCAN, a.FD)
}

type AdapterConfig struct {
	Debug           bool
	Port            string  // adapter index on the usb bus
	Channel         int     // controller index on the adapter
	CANRate         float64 // kbit/s
	DataRate        float64 // kbit/s of the CAN FD data phase, 0 for classic CAN
	SamplePoint     uint32  // per mille, 0 for the CiA default
	DataSamplePoint uint32
	ListenOnly      bool
	TripleSampling  bool
	BerrReporting   bool
	FDNonISO        bool
	RestartDelay    time.Duration // restart after bus-off, 0 leaves the channel off
	CANFilter       []uint32
	PrintVersion    bool
	OnMessage       func(string)
	// loopback=true delivers confirmed outgoing frames to Recv as well
	AdditionalConfig map[string]string
}

var adapterMap = make(map[string]*AdapterInfo)

func NewAdapter(adapterName string, cfg *AdapterConfig) (Adapter, error) {
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) {
			_, file, no, ok := runtime.Caller(1)
			if ok {
				fmt.Printf("%s#%d %v\n", filepath.Base(file), no, msg)
			} else {
				log.Println(msg)
			}
		}
	}
	if adapter, found := adapterMap[adapterName]; found {
		return adapter.New(cfg)
	}
	return nil, fmt.Errorf("unknown adapter %q", adapterName)
}

func RegisterAdapter(adapter *AdapterInfo) error {
	if _, found := adapterMap[adapter.Name]; !found {
		adapterMap[adapter.Name] = adapter
		return nil
	}
	return fmt.Errorf("adapter %s already registered", adapter.Name)
}

func ListAdapterNames() []string {
	var out []string
	for name := range adapterMap {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListAdapters() []AdapterInfo {
	var out []AdapterInfo
	for _, name := range ListAdapterNames() {
		out = append(out, *adapterMap[name])
	}
	return out
}
