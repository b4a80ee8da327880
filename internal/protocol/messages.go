package protocol

// TranscriptionEvent reports one transcribed chunk of a streaming request.
type TranscriptionEvent struct {
	Success         bool    `json:"success"`
	RequestID       string  `json:"request_id"`
	ChunkIndex      int     `json:"chunk_index"`
	TotalChunks     int     `json:"total_chunks"`
	Progress        float64 `json:"progress"`
	ChunkText       string  `json:"chunk_text"`
	AccumulatedText string  `json:"accumulated_text"`
	ProcessingTime  float64 `json:"processing_time"`
	Elapsed         float64 `json:"elapsed"`
	IsFinal         bool    `json:"is_final"`
	FileName        string  `json:"file_name"`
	Language        string  `json:"language"`
	Timestamp       int64   `json:"timestamp"`
}

// ErrorEvent terminates a stream that failed.
type ErrorEvent struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	FileName  string `json:"file_name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TranscriptionResult is the single-shot /transcribe response.
type TranscriptionResult struct {
	Success        bool    `json:"success"`
	TaskID         string  `json:"task_id,omitempty"`
	Transcription  string  `json:"transcription,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	FileName       string  `json:"file_name,omitempty"`
	Language       string  `json:"language,omitempty"`
	Timestamp      int64   `json:"timestamp"`
	Error          string  `json:"error,omitempty"`
	ErrorCode      string  `json:"error_code,omitempty"`
}

type FileInfo struct {
	Name         string  `json:"name"`
	Size         int64   `json:"size"`
	Extension    string  `json:"extension"`
	CreatedTime  float64 `json:"created_time"`
	ModifiedTime float64 `json:"modified_time"`
}

type UploadResponse struct {
	Success  bool      `json:"success"`
	FileID   string    `json:"file_id,omitempty"`
	FileInfo *FileInfo `json:"file_info,omitempty"`
	Message  string    `json:"message"`
	Error    string    `json:"error,omitempty"`
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type HealthResponse struct {
	Status    string  `json:"status"`
	Version   string  `json:"version"`
	Timestamp int64   `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

type SystemInfo struct {
	AppName            string   `json:"app_name"`
	Version            string   `json:"version"`
	Debug              bool     `json:"debug"`
	UploadDir          string   `json:"upload_dir"`
	MaxFileSize        int64    `json:"max_file_size"`
	AllowedExtensions  []string `json:"allowed_extensions"`
	SupportedLanguages []string `json:"supported_languages"`
	ModelInfo          any      `json:"model_info"`
	DeviceInfo         any      `json:"device_info"`
}

// Bus subjects for transcription events.
const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranscriptError   = "stt.error"
)
