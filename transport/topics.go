package transport

// TopicConfigArgs are the host-supplied inputs from which the full topic set
// is derived. Empty prefixes fall back to defaults.
type TopicConfigArgs struct {
	Prefix       string // Defaults to "vantage/".
	JobsPrefix   string // Defaults to the derived vehicle prefix + "jobs/".
	MetricsTopic string
	LogsTopic    string
}

// TopicConfig holds every topic the core publishes to or subscribes from,
// derived once from the vehicle name at startup. The core treats all of these
// as opaque strings.
type TopicConfig struct {
	Prefix     string
	JobsPrefix string

	TelemetryData     string
	Checkins          string
	CollectionSchemes string
	DecoderManifests  string
	Metrics           string
	Logs              string

	JobRequests      string
	JobResponses     string
	JobNotifications string
}

// NewTopicConfig derives the topic set for |vehicleName|.
func NewTopicConfig(vehicleName string, args TopicConfigArgs) *TopicConfig {
	var prefix = args.Prefix
	if prefix == "" {
		prefix = "vantage/"
	}
	prefix = prefix + "vehicles/" + vehicleName + "/"

	var jobsPrefix = args.JobsPrefix
	if jobsPrefix == "" {
		jobsPrefix = prefix + "jobs/"
	}

	return &TopicConfig{
		Prefix:     prefix,
		JobsPrefix: jobsPrefix,

		TelemetryData:     prefix + "signals",
		Checkins:          prefix + "checkins",
		CollectionSchemes: prefix + "collection_schemes",
		DecoderManifests:  prefix + "decoder_manifests",
		Metrics:           args.MetricsTopic,
		Logs:              args.LogsTopic,

		JobRequests:      jobsPrefix + "requests",
		JobResponses:     jobsPrefix + "responses",
		JobNotifications: jobsPrefix + "notifications",
	}
}
