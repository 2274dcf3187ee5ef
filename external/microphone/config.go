package microphone

type Config struct {
	SampleRate      int
	FramesPerBuffer int
	Channels        int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = c.SampleRate / 10
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}
