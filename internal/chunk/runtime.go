package chunk

// RuntimeGlobal is the property on globalThis holding the module registry
const RuntimeGlobal = "__modpack"

// prelude installs the module registry once per page. Every script chunk
// carries it so chunks may load in any order.
const prelude = `function (global) {
  var modules = {}, cache = {}, styles = {}, hot = {};

  function define(id, deps, factory) {
    modules[id] = { deps: deps, factory: factory };
  }

  function load(id) {
    if (cache[id]) {
      return cache[id].exports;
    }
    var def = modules[id];
    if (!def) {
      throw new Error("modpack: module not registered: " + id);
    }
    var module = cache[id] = { id: id, exports: {}, hot: hotApi(id) };
    def.factory.call(module.exports, module, module.exports, function (spec) {
      var target = def.deps[spec];
      if (target === undefined) {
        throw new Error("modpack: cannot find '" + spec + "' from " + id);
      }
      if (typeof target === "object") {
        return global[target.global];
      }
      return load(target);
    });
    return module.exports;
  }

  function style(id, css) {
    if (typeof document === "undefined") {
      return;
    }
    var el = styles[id];
    if (!el) {
      el = styles[id] = document.createElement("style");
      el.setAttribute("data-modpack", id);
      document.head.appendChild(el);
    }
    el.textContent = css;
  }

  function hotApi(id) {
    return {
      accept: function (cb) {
        (hot[id] = hot[id] || []).push(cb || function () {});
      }
    };
  }

  function apply(ids) {
    for (var i = 0; i < ids.length; i++) {
      if (cache[ids[i]] && !hot[ids[i]]) {
        return false;
      }
    }
    for (var j = 0; j < ids.length; j++) {
      var id = ids[j], accepted = hot[id];
      if (!cache[id]) {
        continue;
      }
      delete cache[id];
      delete hot[id];
      var exports = load(id);
      for (var k = 0; accepted && k < accepted.length; k++) {
        accepted[k](exports);
      }
    }
    return true;
  }

  return { define: define, require: load, start: load, style: style, apply: apply };
}`

const (
	registryExpr = "globalThis." + RuntimeGlobal
	chunkHeader  = "\"use strict\";\n(function (runtime) {\n"
	chunkFooter  = "})(" + registryExpr + " || (" + registryExpr + " = (" + prelude + ")(globalThis)));\n"
	patchFooter  = "})(" + registryExpr + ");\n"
)
