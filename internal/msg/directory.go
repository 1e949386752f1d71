package msg

import "github.com/signalsfoundry/gsn-simulator/model"

// DirectoryCommand is the command of a location-directory envelope.
type DirectoryCommand int

const (
	DirUpdate DirectoryCommand = iota
	DirUpdateReply
	DirRemove
	DirRemoveReply
	DirQuery
	DirQueryReply
	DirUpdateCell
	DirUpdateCellReply
	DirQueryCell
	DirQueryCellReply
	DirRNCUpdate
)

var dirNames = [...]string{
	DirUpdate:          "UPDATE",
	DirUpdateReply:     "UPDATE_REPLY",
	DirRemove:          "REMOVE",
	DirRemoveReply:     "REMOVE_REPLY",
	DirQuery:           "QUERY",
	DirQueryReply:      "QUERY_REPLY",
	DirUpdateCell:      "UPDATE_CELL",
	DirUpdateCellReply: "UPDATE_CELL_REPLY",
	DirQueryCell:       "QUERY_CELL",
	DirQueryCellReply:  "QUERY_CELL_REPLY",
	DirRNCUpdate:       "RNC_UPDATE",
}

func (c DirectoryCommand) String() string {
	if c >= 0 && int(c) < len(dirNames) {
		return dirNames[c]
	}
	return "UNKNOWN"
}

// CellRecord maps a cell onto its base station and controller.
type CellRecord struct {
	Cell        model.CellID
	BaseStation model.BaseStationID
	Controller  model.RNCID
}

// ControllerRecord maps a controller onto its owning serving node and its
// backbone address.
type ControllerRecord struct {
	Controller model.RNCID
	Owner      model.NodeID
	Endpoint   model.NodeID
}

// Directory is the envelope between any node and the HLR.
type Directory struct {
	Cmd DirectoryCommand
	// Ref correlates a reply with its request; the HLR echoes it.
	Ref          uint64
	IMSI         model.IMSI
	Node         model.NodeID
	LocationArea model.LocationArea
	Cause        model.Cause

	Cell       *CellRecord
	Controller *ControllerRecord
}

// Interface implements Body.
func (*Directory) Interface() Interface { return InterfaceDirectory }

// KindName implements Body.
func (d *Directory) KindName() string { return d.Cmd.String() }
