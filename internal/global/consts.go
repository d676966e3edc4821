package global

import "time"

const (
	// Descriptive Names for available verbosity levels
	VerbosityNone int = iota
	VerbosityStandard
	VerbosityProgress
	VerbosityData
	VerbosityFullData
	VerbosityDebug

	// Descriptive names for available severity levels
	ErrorLog string = "Error"
	WarnLog  string = "Warn"
	InfoLog  string = "Info"
)

const (
	ProgVersion  string = "v0.3.0"
	ProgBaseName string = "meqserver"

	// Context keys
	LoggerKey  CtxKey = "logger"  // Event queue (mostly for variable log verbosity handling)
	LogTagsKey CtxKey = "logtags" // List of tags in order of broad->specific appended/popped at various parts of the program

	DefaultConfigPath string = "/etc/meqserver.json"

	// Dispatcher defaults
	DefaultHeartbeatHz   int = 10
	DefaultProcessID     int = 1
	DefaultHostID        int = 1
	DefaultMaxQueueDepth int = 4096 // Per work process, messages beyond this are dropped with a warning

	// Forest defaults
	DefaultAsyncWorkers   int = 1
	DefaultSpigotCapacity int = 16

	// Stream output queue bounds (power of two)
	DefaultMinQueueSize int = 64
	DefaultMaxQueueSize int = 4096

	// Timeout values
	ExecShutdownTimeout  time.Duration = 20 * time.Second
	OutputDrainTimeout   time.Duration = 5 * time.Second
	BeatsConnectTimeout  time.Duration = 3 * time.Second
	OutputFlushInterval  time.Duration = 500 * time.Millisecond
	DefaultMetricMaxAge  time.Duration = 1 * time.Hour
	DefaultMetricPeriod  time.Duration = 15 * time.Second
	DefaultOutputBatch   int           = 32
	DefaultScriptMaxSize int64         = 16 << 20

	// Metric HTTP server
	HTTPListenPort   int           = 28514
	HTTPListenAddr   string        = "localhost" // Metric queries only exposed to local machine
	HTTPReadTimeout  time.Duration = 30 * time.Second
	HTTPWriteTimeout time.Duration = 10 * time.Second
	HTTPIdleTimeout  time.Duration = 180 * time.Second
	DataPath         string        = "/data"
	DiscoveryPath    string        = "/discover"
	AggregationPath  string        = "/aggregate"
	StatusPath       string        = "/status"

	// Metric aggregation types
	MetricSum         string = "sum"
	MetricAvg         string = "avg"
	MetricMin         string = "min"
	MetricMax         string = "max"
	MetricTrimmedMean string = "tmean" // Mean without the top and bottom 10% of samples
	MetricP95         string = "p95"

	// Namespacing Name Components
	NSMetric     string = "Metrics"
	NSMetricSrv  string = "Server"
	NSTest       string = "Test"
	NSCLI        string = "CLI"
	NSDaemon     string = "MeqServer"
	NSDispatcher string = "Dispatcher"
	NSForest     string = "Forest"
	NSExec       string = "Exec"
	NSMux        string = "VisDataMux"
	NSQueue      string = "Queue"
	NSOut        string = "Output"
	NSoFile      string = "File"
	NSoBeats     string = "Beats"
	NSInput      string = "Input"
	NSConsole    string = "Console"
)
