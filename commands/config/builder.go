package config

type Builder struct {
	config *Config
}

func NewBuilder() *Builder {
	return &Builder{
		config: &Config{},
	}
}

func NewBuilderFromFile(pathToYaml string) (*Builder, error) {
	config, err := Load(pathToYaml)
	if err != nil {
		return nil, err
	}

	return &Builder{
		config: &config,
	}, nil
}

func (b *Builder) Build() Config {
	return *b.config
}

func (b *Builder) WithStorePath(storePath string) *Builder {
	if storePath == "" {
		return b
	}

	b.config.StorePath = storePath
	return b
}

func (b *Builder) WithWorkerCount(workerCount int) *Builder {
	if workerCount <= 0 {
		return b
	}

	b.config.WorkerCount = workerCount
	return b
}

func (b *Builder) WithMetronEndpoint(metronEndpoint string) *Builder {
	if metronEndpoint == "" {
		return b
	}

	b.config.MetronEndpoint = metronEndpoint
	return b
}

func (b *Builder) WithLogLevel(logLevel string) *Builder {
	if logLevel == "" {
		return b
	}

	b.config.LogLevel = logLevel
	return b
}
