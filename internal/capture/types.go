package capture

// Encoding is the image format a capture is encoded with.
type Encoding string

const (
	EncodingPNG  Encoding = "png"
	EncodingJPG  Encoding = "jpg"
	EncodingWEBP Encoding = "webp"
)

// DataType controls how the renderer packages the upload body.
type DataType string

const (
	DataTypeBlob   DataType = "blob"
	DataTypeBase64 DataType = "base64"
)

const (
	// DefaultFormField is the multipart field name used when the caller
	// leaves it unset.
	DefaultFormField = "file"

	// DefaultLocalQuality applies to the local-return screenshot path.
	DefaultLocalQuality = 0.7

	// DefaultUploadQuality applies to the capture-and-upload path.
	DefaultUploadQuality = 0.5
)

// TokenHeader carries the single-use upload token on the upload request.
const TokenHeader = "X-ScreenCapture-Token"

// Actions routed by the renderer.
const (
	ActionCapture           = "capture"
	ActionRequestScreenshot = "requestScreenshot"
)

// Options are the caller-facing knobs on a capture or screenshot request.
// Zero values mean "apply the documented default".
type Options struct {
	Encoding Encoding          `json:"encoding,omitempty"`
	Quality  float64           `json:"quality,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Instruction is the payload crossing the relay→renderer boundary.
// Exactly one of the two shapes is populated: the upload shape carries a
// token and endpoint, the local-return shape carries a UID.
type Instruction struct {
	Action   string   `json:"action"`
	Encoding Encoding `json:"encoding,omitempty"`
	Quality  float64  `json:"quality,omitempty"`

	// Upload shape.
	UploadToken    string            `json:"uploadToken,omitempty"`
	ServerEndpoint string            `json:"serverEndpoint,omitempty"`
	FormField      string            `json:"formField,omitempty"`
	DataType       DataType          `json:"dataType,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`

	// Local-return shape.
	UID string `json:"uid,omitempty"`
}

// ScreenshotResult travels renderer→relay for local-return captures.
type ScreenshotResult struct {
	UID   string `json:"uid"`
	Image string `json:"image"` // data URL
}

// TokenRequest travels relay→authority to exchange a correlation for a token.
type TokenRequest struct {
	CorrelationID string   `json:"correlationId"`
	URL           string   `json:"url"`
	FormField     string   `json:"formField,omitempty"`
	Encoding      Encoding `json:"encoding,omitempty"`
	DataType      DataType `json:"dataType,omitempty"`
}

// TokenReply is the authority's correlated answer to a TokenRequest.
type TokenReply struct {
	CorrelationID string `json:"correlationId"`
	Token         string `json:"token,omitempty"`
	Error         string `json:"error,omitempty"`
}

// UploadComplete travels authority→relay once an upload has been accepted.
type UploadComplete struct {
	CorrelationID string         `json:"correlationId"`
	Response      UploadResponse `json:"response"`
}

// UploadResponse is what the original caller's pending request resolves with.
type UploadResponse struct {
	SnapshotID string `json:"snapshot_id"`
	Format     string `json:"format"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SizeBytes  int    `json:"size_bytes"`
}

// CaptureScreen travels authority→relay for server-initiated captures.
type CaptureScreen struct {
	Token    string   `json:"token"`
	Options  Options  `json:"options"`
	DataType DataType `json:"dataType,omitempty"`
}

// NormalizeEncoding maps the zero value to the png default and rejects
// anything outside the recognized set.
func NormalizeEncoding(enc Encoding) (Encoding, error) {
	switch enc {
	case "":
		return EncodingPNG, nil
	case EncodingPNG, EncodingJPG, EncodingWEBP:
		return enc, nil
	default:
		return "", &CodedError{Code: CodeValidation, Message: "encoding must be one of webp, jpg, png"}
	}
}

// NormalizeQuality maps the zero value to the given default and rejects
// values outside [0,1].
func NormalizeQuality(q, def float64) (float64, error) {
	if q == 0 {
		return def, nil
	}
	if q < 0 || q > 1 {
		return 0, &CodedError{Code: CodeValidation, Message: "quality must be within [0,1]"}
	}
	return q, nil
}

// MIMEType returns the image MIME type for an encoding.
func MIMEType(enc Encoding) string {
	if enc == EncodingJPG {
		return "image/jpeg"
	}
	return "image/" + string(enc)
}
