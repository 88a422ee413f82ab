package core

// Transcoder converts audio between telephony and cloud formats for one call.
// Implementations keep resampling state and must not be shared between calls.
type Transcoder interface {
	DecodeFromTelephony(ulaw []byte) ([]byte, error)
	EncodeToTelephony(pcm []byte) ([]byte, error)
}
