package i18n

// ─── Call texts ───

// CallState describes a call state. peer fills {{peer}}; degraded selects the
// unstable-connection text for a connected call.
func (l *Localizer) CallState(state, peer string, degraded bool) string {
	if degraded && state == "connected" {
		state = "degraded"
	}
	return l.TWithParams("call.state."+state, map[string]string{"peer": peer})
}

// EndReason describes why a call ended.
func (l *Localizer) EndReason(reason, peer string) string {
	return l.TWithParams("call.end."+reason, map[string]string{"peer": peer})
}

// ErrorKind describes an error kind by its snake_case name. Unknown kinds
// share one generic text.
func (l *Localizer) ErrorKind(kind string) string {
	key := "call.error." + kind
	if msg := l.T(key); msg != key {
		return msg
	}
	return l.T("call.error.unknown")
}
