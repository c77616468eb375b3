package webapi

import (
	"github.com/cryguy/jsgate/internal/core"
)

// gatewayJS builds the frozen globalThis.gateway object.
const gatewayJS = `
(function() {
	var conf = JSON.parse(globalThis.__gateway_config_json);
	delete globalThis.__gateway_config_json;

	function decodeBinary(hex) {
		if (typeof hex !== 'string' || hex.length % 2 !== 0 || /[^0-9a-fA-F]/.test(hex)) {
			throw new TypeError('decodeBinary expects an even-length hex string');
		}
		var out = new Uint8Array(hex.length / 2);
		for (var i = 0; i < out.length; i++) {
			out[i] = parseInt(hex.substr(i * 2, 2), 16);
		}
		return out;
	}

	function sendResponse(record) {
		var payload;
		if (typeof record === 'string') {
			payload = record;
		} else if (record !== null && typeof record === 'object') {
			payload = JSON.stringify(record);
		} else {
			throw new TypeError('sendResponse expects a response record');
		}
		return __gatewaySendResponse(payload);
	}

	globalThis.gateway = Object.freeze({
		config: conf,
		sendResponse: sendResponse,
		decodeBinary: decodeBinary
	});
})();
`

// SetupGateway installs globalThis.gateway. configJSON is the configuration
// document as JSON text; send receives each response record the script
// produces and returns the delivery result code, or an error for a
// malformed record, which surfaces in script as a TypeError.
func SetupGateway(rt core.JSRuntime, configJSON string, send func(payload string) (int, error)) error {
	if err := rt.RegisterFunc("__gatewaySendResponse", send); err != nil {
		return err
	}
	if err := rt.SetGlobal("__gateway_config_json", configJSON); err != nil {
		return err
	}
	return rt.Eval(gatewayJS)
}
