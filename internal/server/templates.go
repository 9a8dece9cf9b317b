package server

const pageTemplates = `
{{define "page"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Dpiter</title>
</head>
<body>
<nav>
  <a href="/">All</a>
  {{range .Categories}}<a href="/?category={{.}}">{{.}}</a>
  {{end}}
</nav>
{{if .View.FromSnapshot}}<p class="notice">You are seeing saved products. Prices may have changed.</p>{{end}}
<main>
{{range .View.Groups}}
  <section class="grid" data-ratio="{{.Bucket}}">
  {{range .Items}}
    <article>
      <a href="{{.Link}}" rel="sponsored noopener" target="_blank">
        <img src="/img?src={{.ImageURL}}" alt="{{.Title}}" loading="lazy">
        <h3>{{.Title}}</h3>
      </a>
      <p>{{if .Brand}}<span class="brand">{{.Brand}}</span> {{end}}<strong>{{price .Price}}</strong>
      {{if gt .Discount 0}}<s>{{price .OriginalPrice}}</s> <span class="off">-{{.Discount}}%</span>{{end}}</p>
    </article>
  {{end}}
  </section>
{{else}}
  <p>No products yet.</p>
{{end}}
</main>
{{if .View.HasMore}}<div id="more" data-category="{{.View.Category}}"></div>{{end}}
<script>
(function () {
  var more = document.getElementById("more");
  if (!more) return;
  var busy = false;
  new IntersectionObserver(function (entries) {
    if (!entries[0].isIntersecting || busy) return;
    busy = true;
    fetch("/api/feed/more?category=" + encodeURIComponent(more.dataset.category), {method: "POST"})
      .then(function (r) { return r.json(); })
      .then(function (v) { if (v.added > 0 || !v.has_more) location.reload(); })
      .finally(function () { busy = false; });
  }, {rootMargin: "600px"}).observe(more);
})();
</script>
</body>
</html>{{end}}

{{define "offline"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>Dpiter - offline</title>
</head>
<body>
<main class="offline">
  <h1>You are offline</h1>
  <p>We will bring the shop back as soon as the connection returns.</p>
</main>
</body>
</html>{{end}}
`
