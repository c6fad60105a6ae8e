package traffic

const crlf = "\r\n"

// EstimateRequestBytes approximates the serialized size of an HTTP request
// when the protocol reports no exact figure: the request line
// ("METHOD URL HTTP/1.1"), one "Name: Value" line per header, a blank
// separator line, and the body. Lengths are encoded byte counts, so
// multi-byte text is measured correctly. An empty request estimates to 0.
//
// The estimate is intentionally approximate. It is overwritten when the
// protocol later supplies the request's wire headers.
func EstimateRequestBytes(method, url string, headers map[string]string, bodyBytes int64) int64 {
	if method == "" && url == "" && len(headers) == 0 && bodyBytes <= 0 {
		return 0
	}
	total := int64(len(method) + 1 + len(url) + 1 + len("HTTP/1.1") + len(crlf))
	for name, value := range headers {
		total += int64(len(name) + len(": ") + len(value) + len(crlf))
	}
	total += int64(len(crlf))
	if bodyBytes > 0 {
		total += bodyBytes
	}
	return total
}
