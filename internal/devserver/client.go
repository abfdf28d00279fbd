package devserver

// clientScript is served at ClientPath and injected into served documents
const clientScript = `(function () {
  "use strict";
  var overlay = null;

  function showError(text) {
    if (!overlay) {
      overlay = document.createElement("pre");
      overlay.setAttribute("data-modpack-error", "");
      overlay.style.cssText = "position:fixed;inset:0;margin:0;padding:2em;overflow:auto;z-index:2147483647;" +
        "background:rgba(20,20,20,.92);color:#ff6b6b;font:14px/1.5 monospace;white-space:pre-wrap";
      document.body.appendChild(overlay);
    }
    overlay.textContent = text;
  }

  function clearError() {
    if (overlay) {
      overlay.remove();
      overlay = null;
    }
  }

  function reloadStyle(file) {
    var links = document.querySelectorAll("link[rel=stylesheet]");
    for (var i = 0; i < links.length; i++) {
      var href = links[i].getAttribute("href") || "";
      if (href.split("?")[0].split("/").pop() === file.split("/").pop()) {
        links[i].setAttribute("href", href.split("?")[0] + "?t=" + Date.now());
      }
    }
  }

  function patch(msg) {
    var runtime = globalThis.__modpack;
    var chunks = msg.chunks || [];
    for (var i = 0; i < chunks.length; i++) {
      var c = chunks[i];
      if (c.kind === "style") {
        reloadStyle(c.file);
        continue;
      }
      if (!runtime) {
        return false;
      }
      (0, eval)(c.code);
      if (!runtime.apply(c.modules || [])) {
        return false;
      }
    }
    return true;
  }

  function connect(reconnecting) {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/__modpack/ws");

    ws.onopen = function () {
      if (reconnecting) {
        location.reload();
      }
    };

    ws.onmessage = function (ev) {
      var msg = JSON.parse(ev.data);
      switch (msg.type) {
        case "reload":
          location.reload();
          break;
        case "error":
          console.error("[modpack] " + msg.error);
          showError(msg.error);
          break;
        case "patch":
          clearError();
          if (!patch(msg)) {
            location.reload();
          }
          break;
      }
    };

    ws.onclose = function () {
      setTimeout(function () { connect(true); }, 1000);
    };
  }

  connect(false);
})();
`
