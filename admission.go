package wrpc_async

// Admission decides, before a call is handed to a worker, whether the
// server takes it on. It is consulted on the event loop goroutine, so it
// must answer without blocking. A refused call is answered with
// uerror.ErrResourceExhausted. Policies live in the admission package.
type Admission interface {
	Admit(origin, method string) bool
}

type AdmissionFunc func(origin, method string) bool

func (f AdmissionFunc) Admit(origin, method string) bool {
	return f(origin, method)
}
