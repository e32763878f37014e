package wire

// Handshake is sent on the dedicated handshake stream immediately after
// a dial or accept, proving the sender's claimed identity.
type Handshake struct {
	DeviceID    string `json:"device_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	Nonce       []byte `json:"nonce"`
	Version     string `json:"version"`
}

// HandshakeAck answers a Handshake.
type HandshakeAck struct {
	DeviceID    string            `json:"device_id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Fingerprint string            `json:"fingerprint"`
	NonceEcho   []byte            `json:"nonce_echo"`
	Decision    HandshakeDecision `json:"decision"`
	Version     string            `json:"version"`
}

// TrustConfirmation tells a peer that the local trust store now
// considers its fingerprint trusted. Delivered only once the sender's
// own Trust store has reached trusted(fingerprint) and a live or
// dial-able endpoint exists (§9 Design Note).
type TrustConfirmation struct {
	Fingerprint string `json:"fingerprint"`
}

// UnpairNotification informs a peer that the local side changed its
// trust relationship with it.
type UnpairNotification struct {
	Reason UnpairReason `json:"reason"`
}

// Ping/Pong carry no payload beyond a round-trip token for liveness.
type Ping struct {
	Token string `json:"token"`
}

type Pong struct {
	Token string `json:"token"`
}

// ClipboardText carries clipboard contents pushed from one peer.
type ClipboardText struct {
	Text string `json:"text"`
	From string `json:"from"`
}

// MediaCommand is one of play|pause|play_pause|next|previous|stop|volume_up|volume_down.
type MediaCommand struct {
	Command string `json:"command"`
}

// MediaState mirrors the sender's current playback state.
type MediaState struct {
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Playing  bool   `json:"playing"`
	Position int64  `json:"position_ms,omitempty"`
}

// FileOffer begins a transfer job.
type FileOffer struct {
	JobID        string `json:"job_id"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	IsDirectory  bool   `json:"is_directory"`
	ManifestHash string `json:"manifest_hash,omitempty"`
	PathHint     string `json:"path_hint"`
}

// FileAccept grants (at an optional resume offset) a transfer job.
type FileAccept struct {
	JobID  string `json:"job_id"`
	Offset int64  `json:"offset"`
}

// FileReject declines a transfer job.
type FileReject struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// FileChunk carries up to 1 MiB of file bytes. Seq counts the chunks of
// one job's stream, strictly increasing from 0; the first chunk's bytes
// begin at the granted offset.
type FileChunk struct {
	JobID string `json:"job_id"`
	Seq   uint64 `json:"seq"`
	Bytes []byte `json:"bytes"`
}

// MaxChunkBytes is the largest payload a single FileChunk may carry (§4.6).
const MaxChunkBytes = 1 << 20

// FileEnd finalizes a transfer job.
type FileEnd struct {
	JobID     string `json:"job_id"`
	FinalSize int64  `json:"final_size"`
	Checksum  string `json:"checksum"`
}

// FileCancel aborts a transfer job from either side.
type FileCancel struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// ListDir requests a directory listing under the responder's registered root.
type ListDir struct {
	Path string `json:"path"`
}

// DirEntry is one entry of a ListDirResult.
type DirEntry struct {
	Name    string `json:"name"`
	IsDir   bool   `json:"is_dir"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time_unix"`
}

// ListDirResult answers ListDir.
type ListDirResult struct {
	Entries []DirEntry `json:"entries"`
	Error   string     `json:"error,omitempty"`
}

// GetThumbnail requests a thumbnail for a file under the responder's root.
type GetThumbnail struct {
	Path string `json:"path"`
}

// ThumbnailResult answers GetThumbnail.
type ThumbnailResult struct {
	Bytes []byte `json:"bytes,omitempty"`
	Error string `json:"error,omitempty"`
}

// DownloadFile requests the responder open a File Transfer job sending
// the named remote path back to the requester.
type DownloadFile struct {
	Path string `json:"path"`
}

// TelephonyRequest is forwarded verbatim to the host telephony
// collaborator; Params carries the sub-kind's fields as a generic map
// so new telephony sub-requests never require a wire-format change.
type TelephonyRequest struct {
	RequestID string                 `json:"request_id"`
	Kind      TelephonyRequestKind   `json:"kind"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// TelephonyResult answers a TelephonyRequest by RequestID.
type TelephonyResult struct {
	RequestID string                 `json:"request_id"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// TelephonyEvent is a fire-and-forget push from the phone-capable peer.
type TelephonyEvent struct {
	Kind   TelephonyEventKind     `json:"kind"`
	Params map[string]interface{} `json:"params,omitempty"`
}
