package webm

// Element IDs for the subset of the Matroska tree this demuxer understands.
// Everything else is treated as an unknown leaf and skipped wholesale.
const (
	idEBML         uint64 = 0x1a45dfa3
	idSegment      uint64 = 0x18538067
	idCluster      uint64 = 0x1f43b675
	idTracks       uint64 = 0x1654ae6b
	idTrackEntry   uint64 = 0xae
	idTrackNumber  uint64 = 0xd7
	idTrackType    uint64 = 0x83
	idSimpleBlock  uint64 = 0xa3
	idCodecPrivate uint64 = 0x63a2
)

// fieldRole identifies what a known leaf element contributes to track
// discovery or payload extraction.
type fieldRole uint8

const (
	roleNone fieldRole = iota
	roleTrackNumber
	roleTrackType
	roleCodecPrivate
	roleSimpleBlock
)

// elementInfo describes a known element: whether its payload is a sequence of
// child elements (container) or raw data (leaf), and the leaf's role.
type elementInfo struct {
	container bool
	role      fieldRole
	name      string
}

// elementRegistry is the static dispatch table for known element IDs.
// Lookups for IDs not present here fall back to the unknown-leaf path.
var elementRegistry = map[uint64]elementInfo{
	idEBML:         {container: true, name: "EBML"},
	idSegment:      {container: true, name: "Segment"},
	idCluster:      {container: true, name: "Cluster"},
	idTracks:       {container: true, name: "Tracks"},
	idTrackEntry:   {container: true, name: "TrackEntry"},
	idTrackNumber:  {role: roleTrackNumber, name: "TrackNumber"},
	idTrackType:    {role: roleTrackType, name: "TrackType"},
	idSimpleBlock:  {role: roleSimpleBlock, name: "SimpleBlock"},
	idCodecPrivate: {role: roleCodecPrivate, name: "CodecPrivate"},
}
