package http

import nethttp "net/http"

// Redirect returns an empty-bodied response pointing at location.
func Redirect(status int, location string) *Response {
	resp := Status(status)
	resp.Header.Set(HeaderLocation, location)
	return resp
}

// Found is a 302 redirect.
func Found(location string) *Response {
	return Redirect(nethttp.StatusFound, location)
}

// SeeOther is a 303 redirect.
func SeeOther(location string) *Response {
	return Redirect(nethttp.StatusSeeOther, location)
}

// TemporaryRedirect is a 307 redirect; the method and body are kept.
func TemporaryRedirect(location string) *Response {
	return Redirect(nethttp.StatusTemporaryRedirect, location)
}

// MovedPermanently is a 301 redirect.
func MovedPermanently(location string) *Response {
	return Redirect(nethttp.StatusMovedPermanently, location)
}

// PermanentRedirect is a 308 redirect; the method and body are kept.
func PermanentRedirect(location string) *Response {
	return Redirect(nethttp.StatusPermanentRedirect, location)
}
