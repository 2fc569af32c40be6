package im

import (
	"time"

	"github.com/embermesh/matter/pkg/datamodel"
	"github.com/embermesh/matter/pkg/tlv"
)

// Encoding helpers. Wildcard path segments are simply absent tags.

func encodeAttributePath(w *tlv.Writer, tag tlv.Tag, p datamodel.AttributePath) {
	w.StartList(tag)
	if !p.WildcardEndpoint {
		w.PutUint(tlv.ContextTag(tagPathEndpoint), uint64(p.Endpoint))
	}
	if !p.WildcardCluster {
		w.PutUint(tlv.ContextTag(tagPathCluster), uint64(p.Cluster))
	}
	if !p.WildcardAttribute {
		w.PutUint(tlv.ContextTag(tagPathAttribute), uint64(p.Attribute))
	}
	w.EndContainer()
}

func decodeAttributePath(r *tlv.Reader) (datamodel.AttributePath, error) {
	p := datamodel.AttributePath{WildcardEndpoint: true, WildcardCluster: true, WildcardAttribute: true}
	if err := r.EnterContainer(); err != nil {
		return p, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return p, err
		}
		v, _ := r.Uint()
		switch r.Tag().Number() {
		case tagPathEndpoint:
			p.Endpoint = datamodel.EndpointID(v)
			p.WildcardEndpoint = false
		case tagPathCluster:
			p.Cluster = datamodel.ClusterID(v)
			p.WildcardCluster = false
		case tagPathAttribute:
			p.Attribute = datamodel.AttributeID(v)
			p.WildcardAttribute = false
		}
	}
	return p, r.ExitContainer()
}

func encodeConcreteAttributePath(w *tlv.Writer, tag tlv.Tag, p datamodel.ConcreteAttributePath) {
	encodeAttributePath(w, tag, datamodel.AttributePath{
		Endpoint: p.Endpoint, Cluster: p.Cluster, Attribute: p.Attribute,
	})
}

func encodeEventPath(w *tlv.Writer, tag tlv.Tag, p datamodel.EventPath) {
	w.StartList(tag)
	if !p.WildcardEndpoint {
		w.PutUint(tlv.ContextTag(tagEventPathEndpoint), uint64(p.Endpoint))
	}
	if !p.WildcardCluster {
		w.PutUint(tlv.ContextTag(tagEventPathCluster), uint64(p.Cluster))
	}
	if !p.WildcardEvent {
		w.PutUint(tlv.ContextTag(tagEventPathEvent), uint64(p.Event))
	}
	w.EndContainer()
}

func decodeEventPath(r *tlv.Reader) (datamodel.EventPath, error) {
	p := datamodel.EventPath{WildcardEndpoint: true, WildcardCluster: true, WildcardEvent: true}
	if err := r.EnterContainer(); err != nil {
		return p, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return p, err
		}
		v, _ := r.Uint()
		switch r.Tag().Number() {
		case tagEventPathEndpoint:
			p.Endpoint = datamodel.EndpointID(v)
			p.WildcardEndpoint = false
		case tagEventPathCluster:
			p.Cluster = datamodel.ClusterID(v)
			p.WildcardCluster = false
		case tagEventPathEvent:
			p.Event = datamodel.EventID(v)
			p.WildcardEvent = false
		}
	}
	return p, r.ExitContainer()
}

func encodeCommandPath(w *tlv.Writer, tag tlv.Tag, p datamodel.ConcreteCommandPath) {
	w.StartList(tag)
	w.PutUint(tlv.ContextTag(tagCmdPathEndpoint), uint64(p.Endpoint))
	w.PutUint(tlv.ContextTag(tagCmdPathCluster), uint64(p.Cluster))
	w.PutUint(tlv.ContextTag(tagCmdPathCommand), uint64(p.Command))
	w.EndContainer()
}

func decodeCommandPath(r *tlv.Reader) (datamodel.ConcreteCommandPath, error) {
	var p datamodel.ConcreteCommandPath
	if err := r.EnterContainer(); err != nil {
		return p, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return p, err
		}
		v, _ := r.Uint()
		switch r.Tag().Number() {
		case tagCmdPathEndpoint:
			p.Endpoint = datamodel.EndpointID(v)
		case tagCmdPathCluster:
			p.Cluster = datamodel.ClusterID(v)
		case tagCmdPathCommand:
			p.Command = datamodel.CommandID(v)
		}
	}
	return p, r.ExitContainer()
}

// encodeBody writes the ReadRequestMessage fields shared by read and
// subscribe under the caller's context tags.
func (rr *ReadRequest) encodeBody(w *tlv.Writer, attrTag, eventTag, fabricTag, dvfTag uint8) {
	if len(rr.Attributes) > 0 {
		w.StartArray(tlv.ContextTag(attrTag))
		for _, p := range rr.Attributes {
			encodeAttributePath(w, tlv.Anonymous(), p)
		}
		w.EndContainer()
	}
	if len(rr.Events) > 0 {
		w.StartArray(tlv.ContextTag(eventTag))
		for _, p := range rr.Events {
			encodeEventPath(w, tlv.Anonymous(), p)
		}
		w.EndContainer()
	}
	w.PutBool(tlv.ContextTag(fabricTag), rr.FabricFiltered)
	if len(rr.VersionFilters) > 0 {
		w.StartArray(tlv.ContextTag(dvfTag))
		for _, f := range rr.VersionFilters {
			w.StartStruct(tlv.Anonymous())
			w.StartList(tlv.ContextTag(tagDVFPath))
			w.PutUint(tlv.ContextTag(tagClusterPathEndpoint), uint64(f.Endpoint))
			w.PutUint(tlv.ContextTag(tagClusterPathCluster), uint64(f.Cluster))
			w.EndContainer()
			w.PutUint(tlv.ContextTag(tagDVFVersion), uint64(f.Version))
			w.EndContainer()
		}
		w.EndContainer()
	}
}

// Encode serializes a ReadRequestMessage.
func (rr *ReadRequest) Encode() []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	rr.encodeBody(w, tagReadAttributeRequests, tagReadEventRequests, tagReadFabricFiltered, tagReadDataVersionFilter)
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

func (rr *ReadRequest) decodeField(r *tlv.Reader, attrTag, eventTag, fabricTag, dvfTag uint8) (bool, error) {
	switch r.Tag().Number() {
	case uint32(attrTag):
		if err := r.EnterContainer(); err != nil {
			return true, err
		}
		for {
			err := r.Next()
			if err == tlv.ErrEnd {
				break
			}
			if err != nil {
				return true, err
			}
			p, err := decodeAttributePath(r)
			if err != nil {
				return true, err
			}
			rr.Attributes = append(rr.Attributes, p)
		}
		return true, r.ExitContainer()
	case uint32(eventTag):
		if err := r.EnterContainer(); err != nil {
			return true, err
		}
		for {
			err := r.Next()
			if err == tlv.ErrEnd {
				break
			}
			if err != nil {
				return true, err
			}
			p, err := decodeEventPath(r)
			if err != nil {
				return true, err
			}
			rr.Events = append(rr.Events, p)
		}
		return true, r.ExitContainer()
	case uint32(fabricTag):
		b, err := r.Bool()
		if err != nil {
			return true, err
		}
		rr.FabricFiltered = b
		return true, nil
	case uint32(dvfTag):
		if err := r.EnterContainer(); err != nil {
			return true, err
		}
		for {
			err := r.Next()
			if err == tlv.ErrEnd {
				break
			}
			if err != nil {
				return true, err
			}
			var f DataVersionFilter
			if err := r.EnterContainer(); err != nil {
				return true, err
			}
			for {
				fe := r.Next()
				if fe == tlv.ErrEnd {
					break
				}
				if fe != nil {
					return true, fe
				}
				switch r.Tag().Number() {
				case tagDVFPath:
					if err := r.EnterContainer(); err != nil {
						return true, err
					}
					for {
						pe := r.Next()
						if pe == tlv.ErrEnd {
							break
						}
						if pe != nil {
							return true, pe
						}
						v, _ := r.Uint()
						switch r.Tag().Number() {
						case tagClusterPathEndpoint:
							f.Endpoint = datamodel.EndpointID(v)
						case tagClusterPathCluster:
							f.Cluster = datamodel.ClusterID(v)
						}
					}
					if err := r.ExitContainer(); err != nil {
						return true, err
					}
				case tagDVFVersion:
					v, _ := r.Uint()
					f.Version = datamodel.DataVersion(v)
				}
			}
			if err := r.ExitContainer(); err != nil {
				return true, err
			}
			rr.VersionFilters = append(rr.VersionFilters, f)
		}
		return true, r.ExitContainer()
	}
	return false, nil
}

// DecodeReadRequest parses a ReadRequestMessage.
func DecodeReadRequest(data []byte) (*ReadRequest, error) {
	rr := &ReadRequest{}
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		if _, err := rr.decodeField(r, tagReadAttributeRequests, tagReadEventRequests, tagReadFabricFiltered, tagReadDataVersionFilter); err != nil {
			return nil, err
		}
	}
	return rr, nil
}

// Encode serializes a SubscribeRequestMessage.
func (sr *SubscribeRequest) Encode() []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBool(tlv.ContextTag(tagSubKeepSubscriptions), sr.KeepSubscriptions)
	w.PutUint(tlv.ContextTag(tagSubMinInterval), uint64(sr.MinInterval/time.Second))
	w.PutUint(tlv.ContextTag(tagSubMaxInterval), uint64(sr.MaxInterval/time.Second))
	sr.encodeBody(w, tagSubAttributeRequests, tagSubEventRequests, tagSubFabricFiltered, tagSubDataVersionFilters)
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// DecodeSubscribeRequest parses a SubscribeRequestMessage.
func DecodeSubscribeRequest(data []byte) (*SubscribeRequest, error) {
	sr := &SubscribeRequest{}
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r.Tag().Number() {
		case tagSubKeepSubscriptions:
			b, _ := r.Bool()
			sr.KeepSubscriptions = b
		case tagSubMinInterval:
			v, _ := r.Uint()
			sr.MinInterval = time.Duration(v) * time.Second
		case tagSubMaxInterval:
			v, _ := r.Uint()
			sr.MaxInterval = time.Duration(v) * time.Second
		default:
			if _, err := sr.decodeField(r, tagSubAttributeRequests, tagSubEventRequests, tagSubFabricFiltered, tagSubDataVersionFilters); err != nil {
				return nil, err
			}
		}
	}
	return sr, nil
}

// EncodeSubscribeResponse serializes a SubscribeResponseMessage.
func EncodeSubscribeResponse(subscriptionID uint32, maxInterval time.Duration) []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(tagSubRespSubscriptionID), uint64(subscriptionID))
	w.PutUint(tlv.ContextTag(tagSubRespMaxInterval), uint64(maxInterval/time.Second))
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// DecodeSubscribeResponse parses a SubscribeResponseMessage.
func DecodeSubscribeResponse(data []byte) (subscriptionID uint32, maxInterval time.Duration, err error) {
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return 0, 0, err
	}
	if err := r.EnterContainer(); err != nil {
		return 0, 0, err
	}
	for {
		e := r.Next()
		if e == tlv.ErrEnd {
			break
		}
		if e != nil {
			return 0, 0, e
		}
		v, _ := r.Uint()
		switch r.Tag().Number() {
		case tagSubRespSubscriptionID:
			subscriptionID = uint32(v)
		case tagSubRespMaxInterval:
			maxInterval = time.Duration(v) * time.Second
		}
	}
	return subscriptionID, maxInterval, nil
}

// Encode serializes a ReportDataMessage.
func (rd *ReportData) Encode() []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	if rd.HasSubscriptionID {
		w.PutUint(tlv.ContextTag(tagReportSubscriptionID), uint64(rd.SubscriptionID))
	}
	if len(rd.Attributes) > 0 || len(rd.AttributeStatuses) > 0 {
		w.StartArray(tlv.ContextTag(tagReportAttributes))
		for _, s := range rd.AttributeStatuses {
			w.StartStruct(tlv.Anonymous())
			w.StartStruct(tlv.ContextTag(tagARStatus))
			encodeConcreteAttributePath(w, tlv.ContextTag(tagASPath), s.Path)
			w.StartStruct(tlv.ContextTag(tagASStatus))
			w.PutUint(tlv.ContextTag(tagStatusStatus), uint64(s.Status))
			w.EndContainer()
			w.EndContainer()
			w.EndContainer()
		}
		for _, a := range rd.Attributes {
			w.StartStruct(tlv.Anonymous())
			w.StartStruct(tlv.ContextTag(tagARData))
			w.PutUint(tlv.ContextTag(tagADVersion), uint64(a.Version))
			encodeConcreteAttributePath(w, tlv.ContextTag(tagADPath), a.Path)
			w.PutRaw(retagged(a.Data, tagADData))
			w.EndContainer()
			w.EndContainer()
		}
		w.EndContainer()
	}
	if len(rd.Events) > 0 {
		w.StartArray(tlv.ContextTag(tagReportEvents))
		for _, e := range rd.Events {
			w.StartStruct(tlv.Anonymous())
			w.StartStruct(tlv.ContextTag(tagERData))
			encodeEventPath(w, tlv.ContextTag(tagEDPath), datamodel.EventPath{
				Endpoint: e.Path.Endpoint, Cluster: e.Path.Cluster, Event: e.Path.Event,
			})
			w.PutUint(tlv.ContextTag(tagEDNumber), uint64(e.Number))
			w.PutUint(tlv.ContextTag(tagEDPriority), uint64(e.Priority))
			w.PutUint(tlv.ContextTag(tagEDEpochTime), uint64(e.EpochMillis))
			w.PutUint(tlv.ContextTag(tagEDSystemTime), uint64(e.SystemTick))
			if len(e.Data) > 0 {
				w.PutRaw(retagged(e.Data, tagEDData))
			}
			w.EndContainer()
			w.EndContainer()
		}
		w.EndContainer()
	}
	w.PutBool(tlv.ContextTag(tagReportMoreChunked), rd.MoreChunks)
	w.PutBool(tlv.ContextTag(tagReportSuppress), rd.SuppressResponse)
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// retagged rewrites an anonymous TLV element's control octet to carry
// a context tag. The input must start with an anonymous element.
func retagged(anon []byte, tag uint8) []byte {
	if len(anon) == 0 {
		return anon
	}
	out := make([]byte, 0, len(anon)+1)
	out = append(out, anon[0]|0x20, tag)
	out = append(out, anon[1:]...)
	return out
}

// detagged strips the context tag from a TLV element, making it
// anonymous again.
func detagged(raw []byte) []byte {
	if len(raw) < 2 {
		return raw
	}
	out := make([]byte, 0, len(raw)-1)
	out = append(out, raw[0]&0x1F)
	out = append(out, raw[2:]...)
	return out
}

// DecodeReportData parses a ReportDataMessage.
func DecodeReportData(data []byte) (*ReportData, error) {
	rd := &ReportData{}
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r.Tag().Number() {
		case tagReportSubscriptionID:
			v, _ := r.Uint()
			rd.SubscriptionID = uint32(v)
			rd.HasSubscriptionID = true
		case tagReportMoreChunked:
			rd.MoreChunks, _ = r.Bool()
		case tagReportSuppress:
			rd.SuppressResponse, _ = r.Bool()
		case tagReportAttributes:
			if err := r.EnterContainer(); err != nil {
				return nil, err
			}
			for {
				e := r.Next()
				if e == tlv.ErrEnd {
					break
				}
				if e != nil {
					return nil, e
				}
				if err := decodeAttributeReport(r, rd); err != nil {
					return nil, err
				}
			}
			if err := r.ExitContainer(); err != nil {
				return nil, err
			}
		case tagReportEvents:
			if err := r.EnterContainer(); err != nil {
				return nil, err
			}
			for {
				e := r.Next()
				if e == tlv.ErrEnd {
					break
				}
				if e != nil {
					return nil, e
				}
				ev, err := decodeEventReport(r)
				if err != nil {
					return nil, err
				}
				if ev != nil {
					rd.Events = append(rd.Events, *ev)
				}
			}
			if err := r.ExitContainer(); err != nil {
				return nil, err
			}
		}
	}
	return rd, nil
}

func decodeAttributeReport(r *tlv.Reader, rd *ReportData) error {
	if err := r.EnterContainer(); err != nil {
		return err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return err
		}
		switch r.Tag().Number() {
		case tagARStatus:
			var s AttributeStatus
			if err := r.EnterContainer(); err != nil {
				return err
			}
			for {
				e := r.Next()
				if e == tlv.ErrEnd {
					break
				}
				if e != nil {
					return e
				}
				switch r.Tag().Number() {
				case tagASPath:
					p, err := decodeAttributePath(r)
					if err != nil {
						return err
					}
					s.Path = datamodel.ConcreteAttributePath{Endpoint: p.Endpoint, Cluster: p.Cluster, Attribute: p.Attribute}
				case tagASStatus:
					if err := r.EnterContainer(); err != nil {
						return err
					}
					for {
						se := r.Next()
						if se == tlv.ErrEnd {
							break
						}
						if se != nil {
							return se
						}
						if r.Tag().Number() == tagStatusStatus {
							v, _ := r.Uint()
							s.Status = StatusCode(v)
						}
					}
					if err := r.ExitContainer(); err != nil {
						return err
					}
				}
			}
			if err := r.ExitContainer(); err != nil {
				return err
			}
			rd.AttributeStatuses = append(rd.AttributeStatuses, s)
		case tagARData:
			var a AttributeData
			if err := r.EnterContainer(); err != nil {
				return err
			}
			for {
				e := r.Next()
				if e == tlv.ErrEnd {
					break
				}
				if e != nil {
					return e
				}
				switch r.Tag().Number() {
				case tagADVersion:
					v, _ := r.Uint()
					a.Version = datamodel.DataVersion(v)
				case tagADPath:
					p, err := decodeAttributePath(r)
					if err != nil {
						return err
					}
					a.Path = datamodel.ConcreteAttributePath{Endpoint: p.Endpoint, Cluster: p.Cluster, Attribute: p.Attribute}
				case tagADData:
					raw, err := r.Raw()
					if err != nil {
						return err
					}
					a.Data = detagged(raw)
				}
			}
			if err := r.ExitContainer(); err != nil {
				return err
			}
			rd.Attributes = append(rd.Attributes, a)
		}
	}
	return r.ExitContainer()
}

func decodeEventReport(r *tlv.Reader) (*EventData, error) {
	var ev *EventData
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		if r.Tag().Number() != tagERData {
			continue
		}
		ev = &EventData{}
		if err := r.EnterContainer(); err != nil {
			return nil, err
		}
		for {
			e := r.Next()
			if e == tlv.ErrEnd {
				break
			}
			if e != nil {
				return nil, e
			}
			switch r.Tag().Number() {
			case tagEDPath:
				p, err := decodeEventPath(r)
				if err != nil {
					return nil, err
				}
				ev.Path = datamodel.ConcreteEventPath{Endpoint: p.Endpoint, Cluster: p.Cluster, Event: p.Event}
			case tagEDNumber:
				v, _ := r.Uint()
				ev.Number = datamodel.EventNumber(v)
			case tagEDPriority:
				v, _ := r.Uint()
				ev.Priority = datamodel.Priority(v)
			case tagEDEpochTime:
				v, _ := r.Uint()
				ev.EpochMillis = int64(v)
			case tagEDSystemTime:
				v, _ := r.Uint()
				ev.SystemTick = int64(v)
			case tagEDData:
				raw, err := r.Raw()
				if err != nil {
					return nil, err
				}
				ev.Data = detagged(raw)
			}
		}
		if err := r.ExitContainer(); err != nil {
			return nil, err
		}
	}
	return ev, r.ExitContainer()
}

// Encode serializes a WriteRequestMessage.
func (wr *WriteRequest) Encode() []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBool(tlv.ContextTag(tagWriteSuppressResponse), wr.SuppressResponse)
	w.PutBool(tlv.ContextTag(tagWriteTimedRequest), wr.TimedRequest)
	w.StartArray(tlv.ContextTag(tagWriteRequests))
	for _, item := range wr.Writes {
		w.StartStruct(tlv.Anonymous())
		encodeConcreteAttributePath(w, tlv.ContextTag(tagADPath), item.Path)
		w.PutRaw(retagged(item.Data, tagADData))
		w.EndContainer()
	}
	w.EndContainer()
	w.PutBool(tlv.ContextTag(tagWriteMoreChunked), wr.MoreChunks)
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// DecodeWriteRequest parses a WriteRequestMessage.
func DecodeWriteRequest(data []byte) (*WriteRequest, error) {
	wr := &WriteRequest{}
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r.Tag().Number() {
		case tagWriteSuppressResponse:
			wr.SuppressResponse, _ = r.Bool()
		case tagWriteTimedRequest:
			wr.TimedRequest, _ = r.Bool()
		case tagWriteMoreChunked:
			wr.MoreChunks, _ = r.Bool()
		case tagWriteRequests:
			if err := r.EnterContainer(); err != nil {
				return nil, err
			}
			for {
				e := r.Next()
				if e == tlv.ErrEnd {
					break
				}
				if e != nil {
					return nil, e
				}
				var item WriteItem
				if err := r.EnterContainer(); err != nil {
					return nil, err
				}
				for {
					ie := r.Next()
					if ie == tlv.ErrEnd {
						break
					}
					if ie != nil {
						return nil, ie
					}
					switch r.Tag().Number() {
					case tagADPath:
						p, err := decodeAttributePath(r)
						if err != nil {
							return nil, err
						}
						item.Path = datamodel.ConcreteAttributePath{Endpoint: p.Endpoint, Cluster: p.Cluster, Attribute: p.Attribute}
					case tagADData:
						raw, err := r.Raw()
						if err != nil {
							return nil, err
						}
						item.Data = detagged(raw)
					}
				}
				if err := r.ExitContainer(); err != nil {
					return nil, err
				}
				wr.Writes = append(wr.Writes, item)
			}
			if err := r.ExitContainer(); err != nil {
				return nil, err
			}
		}
	}
	return wr, nil
}

// EncodeWriteResponse serializes the per-path statuses.
func EncodeWriteResponse(statuses []AttributeStatus) []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.StartArray(tlv.ContextTag(tagWriteResponses))
	for _, s := range statuses {
		w.StartStruct(tlv.Anonymous())
		encodeConcreteAttributePath(w, tlv.ContextTag(tagASPath), s.Path)
		w.StartStruct(tlv.ContextTag(tagASStatus))
		w.PutUint(tlv.ContextTag(tagStatusStatus), uint64(s.Status))
		w.EndContainer()
		w.EndContainer()
	}
	w.EndContainer()
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// DecodeWriteResponse parses a WriteResponseMessage.
func DecodeWriteResponse(data []byte) ([]AttributeStatus, error) {
	var out []AttributeStatus
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		if r.Tag().Number() != tagWriteResponses {
			continue
		}
		if err := r.EnterContainer(); err != nil {
			return nil, err
		}
		for {
			e := r.Next()
			if e == tlv.ErrEnd {
				break
			}
			if e != nil {
				return nil, e
			}
			var s AttributeStatus
			if err := r.EnterContainer(); err != nil {
				return nil, err
			}
			for {
				se := r.Next()
				if se == tlv.ErrEnd {
					break
				}
				if se != nil {
					return nil, se
				}
				switch r.Tag().Number() {
				case tagASPath:
					p, err := decodeAttributePath(r)
					if err != nil {
						return nil, err
					}
					s.Path = datamodel.ConcreteAttributePath{Endpoint: p.Endpoint, Cluster: p.Cluster, Attribute: p.Attribute}
				case tagASStatus:
					if err := r.EnterContainer(); err != nil {
						return nil, err
					}
					for {
						ste := r.Next()
						if ste == tlv.ErrEnd {
							break
						}
						if ste != nil {
							return nil, ste
						}
						if r.Tag().Number() == tagStatusStatus {
							v, _ := r.Uint()
							s.Status = StatusCode(v)
						}
					}
					if err := r.ExitContainer(); err != nil {
						return nil, err
					}
				}
			}
			if err := r.ExitContainer(); err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		if err := r.ExitContainer(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Encode serializes an InvokeRequestMessage.
func (ir *InvokeRequest) Encode() []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBool(tlv.ContextTag(tagInvokeSuppressResponse), ir.SuppressResponse)
	w.PutBool(tlv.ContextTag(tagInvokeTimedRequest), ir.TimedRequest)
	w.StartArray(tlv.ContextTag(tagInvokeRequests))
	for _, item := range ir.Invokes {
		w.StartStruct(tlv.Anonymous())
		encodeCommandPath(w, tlv.ContextTag(tagCDPath), item.Path)
		if len(item.Fields) > 0 {
			w.PutRaw(retagged(item.Fields, tagCDFields))
		}
		if item.HasRef {
			w.PutUint(tlv.ContextTag(tagCDRef), uint64(item.Ref))
		}
		w.EndContainer()
	}
	w.EndContainer()
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// DecodeInvokeRequest parses an InvokeRequestMessage.
func DecodeInvokeRequest(data []byte) (*InvokeRequest, error) {
	ir := &InvokeRequest{}
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		switch r.Tag().Number() {
		case tagInvokeSuppressResponse:
			ir.SuppressResponse, _ = r.Bool()
		case tagInvokeTimedRequest:
			ir.TimedRequest, _ = r.Bool()
		case tagInvokeRequests:
			if err := r.EnterContainer(); err != nil {
				return nil, err
			}
			for {
				e := r.Next()
				if e == tlv.ErrEnd {
					break
				}
				if e != nil {
					return nil, e
				}
				var item InvokeItem
				if err := r.EnterContainer(); err != nil {
					return nil, err
				}
				for {
					ie := r.Next()
					if ie == tlv.ErrEnd {
						break
					}
					if ie != nil {
						return nil, ie
					}
					switch r.Tag().Number() {
					case tagCDPath:
						p, err := decodeCommandPath(r)
						if err != nil {
							return nil, err
						}
						item.Path = p
					case tagCDFields:
						raw, err := r.Raw()
						if err != nil {
							return nil, err
						}
						item.Fields = detagged(raw)
					case tagCDRef:
						v, _ := r.Uint()
						item.Ref = uint16(v)
						item.HasRef = true
					}
				}
				if err := r.ExitContainer(); err != nil {
					return nil, err
				}
				ir.Invokes = append(ir.Invokes, item)
			}
			if err := r.ExitContainer(); err != nil {
				return nil, err
			}
		}
	}
	return ir, nil
}

// Encode serializes an InvokeResponseMessage.
func (ir *InvokeResponse) Encode() []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutBool(tlv.ContextTag(tagInvokeRespSuppress), false)
	w.StartArray(tlv.ContextTag(tagInvokeRespResponses))
	for _, item := range ir.Responses {
		w.StartStruct(tlv.Anonymous())
		if item.IsData {
			w.StartStruct(tlv.ContextTag(tagIRCommand))
			encodeCommandPath(w, tlv.ContextTag(tagCDPath), item.Path)
			if len(item.Fields) > 0 {
				w.PutRaw(retagged(item.Fields, tagCDFields))
			}
			if item.HasRef {
				w.PutUint(tlv.ContextTag(tagCDRef), uint64(item.Ref))
			}
			w.EndContainer()
		} else {
			w.StartStruct(tlv.ContextTag(tagIRStatus))
			encodeCommandPath(w, tlv.ContextTag(tagCSPath), item.Path)
			w.StartStruct(tlv.ContextTag(tagCSStatus))
			w.PutUint(tlv.ContextTag(tagStatusStatus), uint64(item.Status))
			w.EndContainer()
			if item.HasRef {
				w.PutUint(tlv.ContextTag(tagCSRef), uint64(item.Ref))
			}
			w.EndContainer()
		}
		w.EndContainer()
	}
	w.EndContainer()
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// DecodeInvokeResponse parses an InvokeResponseMessage.
func DecodeInvokeResponse(data []byte) (*InvokeResponse, error) {
	out := &InvokeResponse{}
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return nil, err
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}
	for {
		err := r.Next()
		if err == tlv.ErrEnd {
			break
		}
		if err != nil {
			return nil, err
		}
		if r.Tag().Number() != tagInvokeRespResponses {
			continue
		}
		if err := r.EnterContainer(); err != nil {
			return nil, err
		}
		for {
			e := r.Next()
			if e == tlv.ErrEnd {
				break
			}
			if e != nil {
				return nil, e
			}
			var item InvokeResponseItem
			if err := r.EnterContainer(); err != nil {
				return nil, err
			}
			for {
				ie := r.Next()
				if ie == tlv.ErrEnd {
					break
				}
				if ie != nil {
					return nil, ie
				}
				switch r.Tag().Number() {
				case tagIRCommand:
					item.IsData = true
					if err := r.EnterContainer(); err != nil {
						return nil, err
					}
					for {
						ce := r.Next()
						if ce == tlv.ErrEnd {
							break
						}
						if ce != nil {
							return nil, ce
						}
						switch r.Tag().Number() {
						case tagCDPath:
							p, err := decodeCommandPath(r)
							if err != nil {
								return nil, err
							}
							item.Path = p
						case tagCDFields:
							raw, err := r.Raw()
							if err != nil {
								return nil, err
							}
							item.Fields = detagged(raw)
						case tagCDRef:
							v, _ := r.Uint()
							item.Ref = uint16(v)
							item.HasRef = true
						}
					}
					if err := r.ExitContainer(); err != nil {
						return nil, err
					}
				case tagIRStatus:
					if err := r.EnterContainer(); err != nil {
						return nil, err
					}
					for {
						ce := r.Next()
						if ce == tlv.ErrEnd {
							break
						}
						if ce != nil {
							return nil, ce
						}
						switch r.Tag().Number() {
						case tagCSPath:
							p, err := decodeCommandPath(r)
							if err != nil {
								return nil, err
							}
							item.Path = p
						case tagCSStatus:
							if err := r.EnterContainer(); err != nil {
								return nil, err
							}
							for {
								se := r.Next()
								if se == tlv.ErrEnd {
									break
								}
								if se != nil {
									return nil, se
								}
								if r.Tag().Number() == tagStatusStatus {
									v, _ := r.Uint()
									item.Status = StatusCode(v)
								}
							}
							if err := r.ExitContainer(); err != nil {
								return nil, err
							}
						case tagCSRef:
							v, _ := r.Uint()
							item.Ref = uint16(v)
							item.HasRef = true
						}
					}
					if err := r.ExitContainer(); err != nil {
						return nil, err
					}
				}
			}
			if err := r.ExitContainer(); err != nil {
				return nil, err
			}
			out.Responses = append(out.Responses, item)
		}
		if err := r.ExitContainer(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeTimedRequest serializes a TimedRequestMessage.
func EncodeTimedRequest(timeout time.Duration) []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(tagTimedTimeout), uint64(timeout/time.Millisecond))
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// DecodeTimedRequest parses a TimedRequestMessage.
func DecodeTimedRequest(data []byte) (time.Duration, error) {
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return 0, err
	}
	if err := r.EnterContainer(); err != nil {
		return 0, err
	}
	var timeout time.Duration
	for {
		e := r.Next()
		if e == tlv.ErrEnd {
			break
		}
		if e != nil {
			return 0, e
		}
		if r.Tag().Number() == tagTimedTimeout {
			v, _ := r.Uint()
			timeout = time.Duration(v) * time.Millisecond
		}
	}
	return timeout, nil
}

// EncodeStatusResponse serializes a StatusResponseMessage.
func EncodeStatusResponse(status StatusCode) []byte {
	w := tlv.NewWriter()
	w.StartStruct(tlv.Anonymous())
	w.PutUint(tlv.ContextTag(tagStatusResponseStatus), uint64(status))
	w.EndContainer()
	return append([]byte(nil), w.Bytes()...)
}

// DecodeStatusResponse parses a StatusResponseMessage.
func DecodeStatusResponse(data []byte) (StatusCode, error) {
	r := tlv.NewReader(data)
	if err := r.Next(); err != nil {
		return StatusFailure, err
	}
	if err := r.EnterContainer(); err != nil {
		return StatusFailure, err
	}
	status := StatusFailure
	for {
		e := r.Next()
		if e == tlv.ErrEnd {
			break
		}
		if e != nil {
			return StatusFailure, e
		}
		if r.Tag().Number() == tagStatusResponseStatus {
			v, _ := r.Uint()
			status = StatusCode(v)
		}
	}
	return status, nil
}
