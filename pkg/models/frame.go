package models

// PixelFormat identifies the raw layout delivered by the image sensor
type PixelFormat string

const (
	// PixelFormatYUV422 is packed 4:2:2 luma-chroma, 2 bytes per pixel
	PixelFormatYUV422 PixelFormat = "yuv422"
)

// BytesPerPixel returns the storage cost of one pixel in this format
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatYUV422:
		return 2
	default:
		return 0
	}
}

// FrameSize returns width*height*bytesPerPixel for the format
func (f PixelFormat) FrameSize(width, height int) int {
	return width * height * f.BytesPerPixel()
}

// Frame describes one captured raw image handed to the encoder.
// Data is a view into a pool buffer and is only valid while the buffer is checked out.
type Frame struct {
	Data        []byte      // Raw pixels, exactly Length bytes
	Width       int         // Image width in pixels
	Height      int         // Image height in pixels
	Format      PixelFormat // Pixel layout
	TimestampUS uint64      // Capture time in microseconds (hardware clock)
	Seq         uint64      // Capture sequence number
}

// CodecInfo describes the encoder output stream
type CodecInfo struct {
	Codec     string `json:"codec"`     // "h264"
	Width     int    `json:"width"`     // Video width
	Height    int    `json:"height"`    // Video height
	FrameRate int    `json:"frameRate"` // Frames per second
	Bitrate   int    `json:"bitrate"`   // Target bitrate in bps
	GOP       int    `json:"gop"`       // Frames between keyframes
}
