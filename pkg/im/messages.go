package im

import (
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
)

// Interaction Model message field tags (Spec 10.6).
const (
	// AttributePathIB (list)
	tagPathEndpoint  = 2
	tagPathCluster   = 3
	tagPathAttribute = 4

	// EventPathIB (list)
	tagEventPathEndpoint = 1
	tagEventPathCluster  = 2
	tagEventPathEvent    = 3

	// CommandPathIB (list)
	tagCmdPathEndpoint = 0
	tagCmdPathCluster  = 1
	tagCmdPathCommand  = 2

	// DataVersionFilterIB
	tagDVFPath    = 0
	tagDVFVersion = 1
	// ClusterPathIB inside a filter
	tagClusterPathEndpoint = 1
	tagClusterPathCluster  = 2

	// AttributeDataIB
	tagADVersion = 0
	tagADPath    = 1
	tagADData    = 2

	// AttributeStatusIB / StatusIB
	tagASPath         = 0
	tagASStatus       = 1
	tagStatusStatus   = 0
	tagStatusCluster  = 1

	// AttributeReportIB
	tagARStatus = 0
	tagARData   = 1

	// EventDataIB
	tagEDPath        = 0
	tagEDNumber      = 1
	tagEDPriority    = 2
	tagEDEpochTime   = 4
	tagEDSystemTime  = 5
	tagEDData        = 7

	// EventReportIB
	tagERStatus = 0
	tagERData   = 1

	// CommandDataIB
	tagCDPath   = 0
	tagCDFields = 1
	tagCDRef    = 2

	// CommandStatusIB
	tagCSPath   = 0
	tagCSStatus = 1
	tagCSRef    = 2

	// InvokeResponseIB
	tagIRCommand = 0
	tagIRStatus  = 1

	// ReadRequestMessage
	tagReadAttributeRequests = 0
	tagReadEventRequests     = 1
	tagReadEventFilters      = 2
	tagReadFabricFiltered    = 3
	tagReadDataVersionFilter = 4

	// ReportDataMessage
	tagReportSubscriptionID = 0
	tagReportAttributes     = 1
	tagReportEvents         = 2
	tagReportMoreChunked    = 3
	tagReportSuppress       = 4

	// SubscribeRequestMessage
	tagSubKeepSubscriptions  = 0
	tagSubMinInterval        = 1
	tagSubMaxInterval        = 2
	tagSubAttributeRequests  = 3
	tagSubEventRequests      = 4
	tagSubEventFilters       = 5
	tagSubFabricFiltered     = 7
	tagSubDataVersionFilters = 8

	// SubscribeResponseMessage
	tagSubRespSubscriptionID = 0
	tagSubRespMaxInterval    = 2

	// WriteRequestMessage
	tagWriteSuppressResponse = 0
	tagWriteTimedRequest     = 1
	tagWriteRequests         = 2
	tagWriteMoreChunked      = 3

	// WriteResponseMessage
	tagWriteResponses = 0

	// InvokeRequestMessage
	tagInvokeSuppressResponse = 0
	tagInvokeTimedRequest     = 1
	tagInvokeRequests         = 2

	// InvokeResponseMessage
	tagInvokeRespSuppress  = 0
	tagInvokeRespResponses = 1
	tagInvokeRespMore      = 2

	// TimedRequestMessage
	tagTimedTimeout = 0

	// StatusResponseMessage
	tagStatusResponseStatus = 0
)

// DataVersionFilter elides reports for clusters at a known version.
type DataVersionFilter struct {
	Endpoint datamodel.EndpointID
	Cluster  datamodel.ClusterID
	Version  datamodel.DataVersion
}

// ReadRequest is the decoded ReadRequestMessage (also the body of a
// subscribe).
type ReadRequest struct {
	Attributes     []datamodel.AttributePath
	Events         []datamodel.EventPath
	MinEventNumber datamodel.EventNumber
	FabricFiltered bool
	VersionFilters []DataVersionFilter
}

// SubscribeRequest is the decoded SubscribeRequestMessage.
type SubscribeRequest struct {
	ReadRequest
	KeepSubscriptions bool
	MinInterval       time.Duration
	MaxInterval       time.Duration
}

// AttributeData is one reported or written attribute value.
type AttributeData struct {
	Path    datamodel.ConcreteAttributePath
	Version datamodel.DataVersion // reports only
	Data    []byte                // TLV-encoded value element
}

// AttributeStatus is a per-path status inside a report or write
// response.
type AttributeStatus struct {
	Path   datamodel.ConcreteAttributePath
	Status StatusCode
}

// EventData is one reported event.
type EventData struct {
	Path        datamodel.ConcreteEventPath
	Number      datamodel.EventNumber
	Priority    datamodel.Priority
	EpochMillis int64
	SystemTick  int64
	Data        []byte
}

// ReportData is the decoded ReportDataMessage.
type ReportData struct {
	SubscriptionID    uint32
	HasSubscriptionID bool
	Attributes        []AttributeData
	AttributeStatuses []AttributeStatus
	Events            []EventData
	MoreChunks        bool
	SuppressResponse  bool
}

// WriteItem is one entry of a WriteRequestMessage.
type WriteItem struct {
	Path datamodel.ConcreteAttributePath
	Data []byte
}

// WriteRequest is the decoded WriteRequestMessage.
type WriteRequest struct {
	SuppressResponse bool
	TimedRequest     bool
	Writes           []WriteItem
	MoreChunks       bool
}

// InvokeItem is one entry of an InvokeRequestMessage.
type InvokeItem struct {
	Path   datamodel.ConcreteCommandPath
	Fields []byte // TLV struct, may be nil
	Ref    uint16
	HasRef bool
}

// InvokeRequest is the decoded InvokeRequestMessage.
type InvokeRequest struct {
	SuppressResponse bool
	TimedRequest     bool
	Invokes          []InvokeItem
}

// InvokeResponseItem is either a typed response or a status.
type InvokeResponseItem struct {
	Path   datamodel.ConcreteCommandPath
	Fields []byte // set for typed responses
	Status StatusCode
	IsData bool
	Ref    uint16
	HasRef bool
}

// InvokeResponse is the decoded InvokeResponseMessage.
type InvokeResponse struct {
	Responses []InvokeResponseItem
}
